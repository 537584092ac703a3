// Package s3test provides a disposable S3 environment for backend
// tests: an in-process fake server by default, or a real endpoint
// selected through the environment.
package s3test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Env is a ready-to-use S3 client with its own freshly created
// bucket. Close shuts down the fake server, if one was started.
type Env struct {
	Client *s3.S3
	Bucket string

	stop func()
}

// Close tears down the environment.
func (e *Env) Close() {
	if e.stop != nil {
		e.stop()
	}
}

// New builds an Env. When VKV_TEST_S3_ENDPOINT is set, tests run
// against that endpoint with credentials taken from the standard
// AWS_* environment variables; otherwise a gofakes3 server is started
// in-process and torn down by Close.
func New() (*Env, error) {
	env := &Env{}
	config := &aws.Config{S3ForcePathStyle: aws.Bool(true)}

	if endpoint := os.Getenv("VKV_TEST_S3_ENDPOINT"); endpoint != "" {
		config.Credentials = credentials.NewEnvCredentials()
		config.Endpoint = aws.String(endpoint)
		config.Region = aws.String(os.Getenv("AWS_DEFAULT_REGION"))
	} else {
		server := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
		env.stop = server.Close
		config.Credentials = credentials.NewStaticCredentials("test-access-key", "test-secret-key", "")
		config.Endpoint = aws.String(server.URL)
		config.Region = aws.String("us-east-1")
		config.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	env.Client = s3.New(sess)

	env.Bucket = randomBucketName()
	if _, err := env.Client.CreateBucket(&s3.CreateBucketInput{Bucket: &env.Bucket}); err != nil {
		env.Close()
		return nil, fmt.Errorf("create bucket %s: %w", env.Bucket, err)
	}
	return env, nil
}

func randomBucketName() string {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		panic(err)
	}
	return "vkv-test-" + hex.EncodeToString(suffix[:])
}
