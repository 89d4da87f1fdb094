package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "inst-1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func mustLock(t *testing.T, l Locker, ctx context.Context, key string) func() {
	t.Helper()
	release, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatalf("Lock(%s) error = %v", key, err)
	}
	return release
}

func TestLocal_mutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocal())
}

func TestLocal_contextCancelled(t *testing.T) {
	l := NewLocal()
	release := mustLock(t, l, context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock on held key error = %v, want deadline exceeded", err)
	}

	release()
	release() // second call is a no-op
	mustLock(t, l, context.Background(), "k")()
	if len(l.locks) != 0 {
		t.Errorf("locks left after release = %d", len(l.locks))
	}
}

func TestLocal_independentKeys(t *testing.T) {
	l := NewLocal()
	defer mustLock(t, l, context.Background(), "a")()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mustLock(t, l, ctx, "b")()
}

func newRedisLocker(t *testing.T, wait time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "careflow", time.Second, wait, nil), mr
}

func TestRedis_mutualExclusion(t *testing.T) {
	l, _ := newRedisLocker(t, 5*time.Second)
	exerciseMutualExclusion(t, l)
}

func TestRedis_notAcquiredWithinWait(t *testing.T) {
	l, mr := newRedisLocker(t, 50*time.Millisecond)
	release := mustLock(t, l, context.Background(), "inst-2")
	if !mr.Exists("careflow:lock:inst-2") {
		t.Fatal("lock key not written")
	}

	if _, err := l.Lock(context.Background(), "inst-2"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Lock error = %v, want ErrNotAcquired", err)
	}

	release()
	if mr.Exists("careflow:lock:inst-2") {
		t.Error("lock key left after release")
	}
}

func TestRedis_releaseOnlyOwnToken(t *testing.T) {
	l, mr := newRedisLocker(t, 50*time.Millisecond)
	release := mustLock(t, l, context.Background(), "inst-3")

	// Simulate expiry and takeover by another holder.
	if err := mr.Set("careflow:lock:inst-3", "someone-else"); err != nil {
		t.Fatal(err)
	}
	release()

	v, err := mr.Get("careflow:lock:inst-3")
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if v != "someone-else" {
		t.Errorf("lock owner = %q, want someone-else", v)
	}
}
