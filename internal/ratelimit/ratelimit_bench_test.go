package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkInMemoryRateLimiter_Allow(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, "client-1", 1<<30)
	}
}

func BenchmarkInMemoryRateLimiter_ManyClients(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	keys := make([]string, 256)
	for i := range keys {
		keys[i] = fmt.Sprintf("client-%d", i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.Allow(ctx, keys[i%len(keys)], 1<<30)
			i++
		}
	})
}
