package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "StrongNet-Agent/internal/errors"
)

func TestMemoryTryAcquireIsExclusive(t *testing.T) {
	l := NewMemory()

	release, ok, err := l.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("first try acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ = l.TryAcquire(context.Background()); ok {
		t.Fatal("second try acquire must fail while held")
	}

	release()
	release()

	again, ok, _ := l.TryAcquire(context.Background())
	if !ok {
		t.Fatal("lock must be free after release")
	}
	again()
}

func TestMemoryAcquireWaitsForRelease(t *testing.T) {
	l := NewMemory()
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background())
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestMemoryAcquireHonoursDeadline(t *testing.T) {
	l := NewMemory()
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	if err == nil {
		t.Fatal("expected busy error at deadline")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeCycleBusy {
		t.Fatalf("unexpected code %s", code)
	}
}

func newRedisLock(t *testing.T, mr *miniredis.Miniredis) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l, err := NewRedis(client, RedisConfig{Key: "wallet-lock", TTL: 3 * time.Second, RetryInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new redis lock: %v", err)
	}
	return l
}

func TestRedisLockExcludesOtherReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newRedisLock(t, mr)
	second := newRedisLock(t, mr)

	release, ok, err := first.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("first replica: ok=%v err=%v", ok, err)
	}
	if !mr.Exists("wallet-lock") {
		t.Fatal("expected lock key in redis")
	}

	_, ok, err = second.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("second replica: %v", err)
	}
	if ok {
		t.Fatal("second replica must not acquire a held lock")
	}

	release()
	if mr.Exists("wallet-lock") {
		t.Fatal("lock key must be removed on release")
	}

	release2, err := second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second replica after release: %v", err)
	}
	release2()
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	l := newRedisLock(t, mr)

	release, ok, err := l.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("try acquire: ok=%v err=%v", ok, err)
	}

	// 锁过期后被其他副本占用。
	if err := mr.Set("wallet-lock", "someone-else"); err != nil {
		t.Fatalf("miniredis set: %v", err)
	}
	release()

	value, err := mr.Get("wallet-lock")
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	if value != "someone-else" {
		t.Fatalf("foreign token overwritten: %q", value)
	}
}

func TestRedisAcquireTimesOutWhileHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	if err := mr.Set("wallet-lock", "other"); err != nil {
		t.Fatalf("miniredis set: %v", err)
	}
	l := newRedisLock(t, mr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx)
	if code := xerrors.CodeOf(err); code != xerrors.CodeCycleBusy {
		t.Fatalf("unexpected code %s (%v)", code, err)
	}

	// 本地锁在失败后必须已释放。
	mr.Del("wallet-lock")
	release, ok, err := l.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("try acquire after timeout: ok=%v err=%v", ok, err)
	}
	release()
}
