package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pmisflow/model"
)

func testResponse() Response {
	return Response{
		Status:      200,
		ContentType: "application/json",
		Body:        []byte(`{"message":"Forwarded to Executive Engineer"}`),
	}
}

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	resp, found, err := store.Check(context.Background(), "idem:u1:forward:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil", resp)
	}
}

func TestMemoryStore_SaveAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	if err := store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	resp, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || resp == nil {
		t.Fatal("expected recorded response")
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != `{"message":"Forwarded to Executive Engineer"}` {
		t.Errorf("Body = %s", resp.Body)
	}
}

func TestMemoryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	_ = store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-different")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true (key exists)")
	}
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	_ = store.Save(ctx, key, "hash-abc", testResponse(), time.Minute)
	now = now.Add(2 * time.Minute)

	resp, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || resp != nil {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

func TestMemoryStore_OverwriteExistingKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	_ = store.Save(ctx, key, "hash-1", Response{Status: 200}, 5*time.Minute)
	_ = store.Save(ctx, key, "hash-2", Response{Status: 201}, 5*time.Minute)

	resp, found, err := store.Check(ctx, key, "hash-2")
	if err != nil || !found {
		t.Fatalf("Check = %v, %v", found, err)
	}
	if resp.Status != 201 {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_CheckNotFound(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)

	resp, found, err := store.Check(context.Background(), "idem:u1:forward:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || resp != nil {
		t.Error("missing key should not be found")
	}
}

func TestRedisStore_SaveAndCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	if err := store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	resp, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || resp == nil {
		t.Fatal("expected recorded response")
	}
	if resp.ContentType != "application/json" {
		t.Errorf("ContentType = %q", resp.ContentType)
	}
	if string(resp.Body) != `{"message":"Forwarded to Executive Engineer"}` {
		t.Errorf("Body = %s", resp.Body)
	}
}

func TestRedisStore_ConflictOnHashMismatch(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	_ = store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-different")
	if !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
	if !found {
		t.Error("found = false, want true")
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := "idem:u1:forward:key1"

	_ = store.Save(ctx, key, "hash-abc", testResponse(), time.Second)
	mr.FastForward(2 * time.Second)

	_, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	key := "idem:u1:forward:key1"
	_ = mr.Set(key, "not-json")

	if _, _, err := store.Check(context.Background(), key, "hash"); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	mr.Close()

	if _, _, err := store.Check(context.Background(), "k", "h"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}

// --- Keys ---

func TestFormatKey(t *testing.T) {
	got := FormatKey("ae-verma", "POST /api/v1/workflows/{instanceId}/forward", "k-1")
	want := "idem:ae-verma:POST /api/v1/workflows/{instanceId}/forward:k-1"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestHashRequest(t *testing.T) {
	a := HashRequest("POST", "/api/v1/workflows/wf-1/forward", []byte(`{"remarks":"ok"}`))
	b := HashRequest("POST", "/api/v1/workflows/wf-1/forward", []byte(`{"remarks":"ok"}`))
	c := HashRequest("POST", "/api/v1/workflows/wf-2/forward", []byte(`{"remarks":"ok"}`))
	d := HashRequest("POST", "/api/v1/workflows/wf-1/forward", []byte(`{"remarks":"no"}`))

	if a != b {
		t.Error("identical requests should hash equally")
	}
	if a == c || a == d {
		t.Error("different path or body should change the hash")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
