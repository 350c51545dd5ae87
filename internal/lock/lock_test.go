package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// fakeStore is an in-memory Store used to unit test lock semantics without
// a live Redis, mirroring the teacher's pattern of testing against fakes
// when live infrastructure isn't available (see repository_test.go files).
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.data[key]; exists {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeStore) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[key] != token {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func TestAcquireRelease(t *testing.T) {
	l := New(newFakeStore(), logger.New("test"))
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "wallet:w1", time.Second)
	if err != nil || !ok || token == "" {
		t.Fatalf("expected acquire to succeed, got ok=%v err=%v", ok, err)
	}

	_, ok2, err := l.Acquire(ctx, "wallet:w1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Fatal("expected second acquire of held key to fail")
	}

	released, err := l.Release(ctx, "wallet:w1", token)
	if err != nil || !released {
		t.Fatalf("expected release to succeed, got released=%v err=%v", released, err)
	}

	token2, ok3, err := l.Acquire(ctx, "wallet:w1", time.Second)
	if err != nil || !ok3 || token2 == "" {
		t.Fatalf("expected re-acquire after release to succeed")
	}
}

func TestReleaseIsTokenChecked(t *testing.T) {
	l := New(newFakeStore(), logger.New("test"))
	ctx := context.Background()

	_, ok, err := l.Acquire(ctx, "wallet:w2", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed")
	}

	released, err := l.Release(ctx, "wallet:w2", "not-the-real-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released {
		t.Fatal("release with wrong token must not succeed")
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	l := New(newFakeStore(), logger.New("test"))
	ctx := context.Background()

	var active int32
	var maxActive int32
	var mu sync.Mutex

	opts := DefaultOptions(200 * time.Millisecond)
	opts.MaxRetries = 500
	opts.InitialDelay = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(ctx, "wallet:shared", opts, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive > 1 {
		t.Fatalf("expected mutual exclusion, but observed %d concurrent holders", maxActive)
	}
}

func TestWithLockTimesOutUnderPermanentContention(t *testing.T) {
	store := newFakeStore()
	l := New(store, logger.New("test"))
	ctx := context.Background()

	store.data["wallet:stuck"] = "someone-elses-token"

	opts := DefaultOptions(time.Second)
	opts.MaxRetries = 3
	opts.InitialDelay = time.Millisecond
	opts.MaxDelay = 2 * time.Millisecond

	err := l.WithLock(ctx, "wallet:stuck", opts, func(ctx context.Context) error {
		t.Fatal("body must not run when lock cannot be acquired")
		return nil
	})

	if err != ErrLockAcquisitionTimeout {
		t.Fatalf("expected ErrLockAcquisitionTimeout, got %v", err)
	}
}

func TestOrderedKeysPreventsDeadlock(t *testing.T) {
	got := OrderedKeys("wallet:b", "wallet:a")
	if got[0] != "wallet:a" || got[1] != "wallet:b" {
		t.Fatalf("expected sorted order, got %v", got)
	}
}
