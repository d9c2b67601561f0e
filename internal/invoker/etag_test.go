package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func testCachedResponse() CachedResponse {
	return CachedResponse{
		ETag: `"v1"`,
		Data: map[string]any{
			"count":   float64(1),
			"results": []any{map[string]any{"id": float64(1), "username": "bob"}},
		},
	}
}

// --- MemoryETagStore ---

func TestMemoryETagStore_GetNotFound(t *testing.T) {
	store := NewMemoryETagStore(0)

	_, found, err := store.Get(context.Background(), FormatETagKey("v1/user/"))
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
}

func TestMemoryETagStore_SetAndGet(t *testing.T) {
	store := NewMemoryETagStore(0)
	ctx := context.Background()
	key := FormatETagKey("v1/user/?limit=20")

	if err := store.Set(ctx, key, testCachedResponse(), time.Minute); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	got, found, err := store.Get(ctx, key)
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if diff := cmp.Diff(testCachedResponse(), got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryETagStore_TTLExpiry(t *testing.T) {
	store := NewMemoryETagStore(0)
	ctx := context.Background()

	_ = store.Set(ctx, "k", testCachedResponse(), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, expired entry should be removed on Get", store.Len())
	}
}

func TestMemoryETagStore_NoTTLKeepsEntry(t *testing.T) {
	store := NewMemoryETagStore(0)
	ctx := context.Background()

	_ = store.Set(ctx, "k", testCachedResponse(), 0)
	if _, found, _ := store.Get(ctx, "k"); !found {
		t.Error("entry without TTL should be kept")
	}
}

func TestMemoryETagStore_EvictsWhenFull(t *testing.T) {
	store := NewMemoryETagStore(2)
	ctx := context.Background()

	_ = store.Set(ctx, "a", CachedResponse{ETag: "a"}, time.Minute)
	_ = store.Set(ctx, "b", CachedResponse{ETag: "b"}, time.Hour)
	_ = store.Set(ctx, "a", CachedResponse{ETag: "a2"}, time.Minute) // overwrite, no eviction
	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}

	_ = store.Set(ctx, "c", CachedResponse{ETag: "c"}, time.Hour)
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
	if _, found, _ := store.Get(ctx, "a"); found {
		t.Error("entry closest to expiry should be evicted")
	}
	if got, found, _ := store.Get(ctx, "c"); !found || got.ETag != "c" {
		t.Errorf("Get(c) = %v, %v", got, found)
	}
}

// --- RedisETagStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisETagStore_GetNotFound(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisETagStore(client)

	_, found, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
}

func TestRedisETagStore_SetAndGet(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisETagStore(client)
	ctx := context.Background()
	key := FormatETagKey("v1/user/")

	if err := store.Set(ctx, key, testCachedResponse(), time.Minute); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	got, found, err := store.Get(ctx, key)
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if diff := cmp.Diff(testCachedResponse(), got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestRedisETagStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisETagStore(client)
	ctx := context.Background()

	_ = store.Set(ctx, "k", testCachedResponse(), time.Minute)
	mr.FastForward(2 * time.Minute)

	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("expired entry should not be found")
	}
}

func TestRedisETagStore_corruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisETagStore(client)

	if err := mr.Set("k", "not json"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Get(context.Background(), "k"); err == nil {
		t.Error("Get() on corrupt entry should return error")
	}
}

func TestRedisETagStore_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisETagStore(client)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	mr.Close()
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail when redis is down")
	}
}

func TestFormatETagKey(t *testing.T) {
	if got := FormatETagKey("v1/user/?limit=1"); got != "qset:etag:v1/user/?limit=1" {
		t.Errorf("FormatETagKey() = %q", got)
	}
}
