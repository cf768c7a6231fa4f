package session

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), "tab-1")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreInvalidURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", "default"); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestRedisSetGetDelete(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, KeyCart, []byte(`{"title":null}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !s.Exists("decider:tab-1:cart") {
		t.Error("expected namespaced key in redis")
	}

	got, err := store.Get(ctx, KeyCart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"title":null}` {
		t.Errorf("unexpected value %q", got)
	}

	if err := store.Delete(ctx, KeyCart); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, KeyCart); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisSessionsAreIsolated(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	other := store.ForSession("tab-2")

	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected other session to miss, got %v", err)
	}
}

func TestRedisClearOnlyTouchesSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	other := store.ForSession("tab-2")

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, k, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := other.Set(ctx, "a", []byte("kept")); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if keys := s.Keys(); len(keys) != 1 || keys[0] != "decider:tab-2:a" {
		t.Errorf("unexpected remaining keys %v", keys)
	}
}

func TestRedisUnavailable(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	s.Close()

	if _, err := store.Get(context.Background(), KeyCart); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected transport error, got %v", err)
	}
}
