// Package kv provides a small key-value store abstraction with in-memory and
// Redis-backed implementations.
//
// Example usage:
//
//	store, err := kv.NewStoreFromConfig(kv.Config{
//		Backend:          kv.BackendRedis,
//		RedisURL:         "127.0.0.1:6379",
//		FallbackToMemory: true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.Set(ctx, "key", []byte("value"), 10*time.Second); err != nil {
//		log.Fatal(err)
//	}
//
//	value, err := store.Get(ctx, "key")
//	if errors.Is(err, kv.ErrNotFound) {
//		log.Println("Key not found")
//	}
//
// The in-memory implementation keeps full TTL semantics and accepts an
// injectable clock, so expiry can be tested deterministically.
package kv
