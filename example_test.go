package vkv

import (
	"context"
	"fmt"
)

func Example() {
	ctx := context.Background()
	s, err := Open(ctx, Options{})
	if err != nil {
		panic(err)
	}
	s.Set("greeting", []byte("hello"))
	s.Set("audience", []byte("world"))
	if _, err := s.Commit(ctx, nil); err != nil {
		panic(err)
	}
	value, _, _ := s.Get(ctx, "greeting")
	fmt.Println(string(value))
	// Output:
	// hello
}

func ExampleCounter() {
	ctx := context.Background()
	kv := NewMemoryBackend()

	a, _ := NewVersioned(ctx, kv, nil)
	b, _ := NewVersioned(ctx, kv, nil)
	a.SetContentType("hits", Counter())
	b.SetContentType("hits", Counter())

	a.Commit(ctx, map[string][]byte{"hits": EncodeCounter(100)}, nil, nil)
	b.Refresh(ctx)

	// Both handles bump the counter concurrently; the merge sums the
	// deltas instead of losing one.
	a.Commit(ctx, map[string][]byte{"hits": EncodeCounter(115)}, nil, nil)
	b.Commit(ctx, map[string][]byte{"hits": EncodeCounter(120)}, nil, nil)

	value, _, _ := b.Get(ctx, "hits")
	n, _ := DecodeCounter(value)
	fmt.Println(n)
	// Output:
	// 135
}
