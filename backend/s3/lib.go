// Package s3 provides a Backend over an S3 bucket. S3 has no native
// compare-and-swap, so CAS is read-compare-put under a local mutex:
// linearizable among handles sharing one Store value, best-effort
// across processes. Single-writer deployments (or write-once data,
// which is everything the engine stores outside refs) are unaffected.
package s3

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"
)

// S3Interface is the slice of the S3 API the backend uses.
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2WithContext(ctx aws.Context, input *s3.ListObjectsV2Input, opts ...request.Option) (*s3.ListObjectsV2Output, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
}

// Store is an S3-bucket backend. Keys map to object keys under
// Prefix.
type Store struct {
	s3         S3Interface
	BucketName string
	Prefix     string

	mu sync.Mutex
	// written remembers keys under write-once prefixes that were
	// already stored, to skip redundant puts of immutable objects.
	written        *simplelru.LRU
	writeOnce      []string
	writeOnceIndex map[string]bool
}

// New returns a Store over the given client and bucket. writeOnce
// lists key prefixes whose values are never rewritten with different
// content (the engine's "commits/" and "data/" families); puts of a
// key already written under such a prefix are skipped.
func New(client S3Interface, bucketName, prefix string, writeOnce ...string) *Store {
	lru, err := simplelru.NewLRU(1000, nil)
	if err != nil {
		panic(err)
	}
	index := make(map[string]bool, len(writeOnce))
	for _, p := range writeOnce {
		index[p] = true
	}
	return &Store{
		s3:             client,
		BucketName:     bucketName,
		Prefix:         prefix,
		written:        lru,
		writeOnce:      writeOnce,
		writeOnceIndex: index,
	}
}

func (s *Store) isWriteOnce(key string) bool {
	for _, p := range s.writeOnce {
		if len(key) >= len(p) && key[:len(p)] == p {
			return true
		}
	}
	return false
}

func isNoSuchKey(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	output, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &s.BucketName,
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer output.Body.Close()
	value, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.isWriteOnce(key) {
		s.mu.Lock()
		_, present := s.written.Get(key)
		s.mu.Unlock()
		if present {
			return nil
		}
	}
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &s.BucketName,
		Key:    aws.String(s.Prefix + key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return err
	}
	if s.isWriteOnce(key) {
		s.mu.Lock()
		s.written.Add(key, nil)
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &s.BucketName,
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	s.mu.Lock()
	s.written.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

func (s *Store) SetMany(ctx context.Context, items map[string][]byte) error {
	for key, value := range items {
		if err := s.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RemoveMany(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := s.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: &s.BucketName,
		Prefix: aws.String(s.Prefix),
	}
	for {
		output, err := s.s3.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, object := range output.Contents {
			keys = append(keys, (*object.Key)[len(s.Prefix):])
		}
		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}
	return keys, nil
}

func (s *Store) Items(ctx context.Context, f func(key string, value []byte) (bool, error)) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		keepGoing, err := f(key, value)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &s.BucketName,
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) CAS(ctx context.Context, key string, value, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &s.BucketName,
		Key:    aws.String(s.Prefix + key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	return s.RemoveMany(ctx, keys)
}
