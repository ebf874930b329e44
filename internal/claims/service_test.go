package claims

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bossbot/internal/eventbus"
	"bossbot/internal/maintenance"
	"bossbot/internal/storage"
	"bossbot/pkg/logx"
)

func newService(t *testing.T) (*Service, *storage.MemStore, *maintenance.Service) {
	t.Helper()
	store := storage.NewMemStore()
	bus := eventbus.New()
	maint := maintenance.New(store, bus, logx.Nop())
	return New(store, maint, bus, logx.Nop()), store, maint
}

func addTimer(t *testing.T, store *storage.MemStore, name string, credit int) {
	t.Helper()
	err := store.PutTimer(context.Background(), storage.Timer{
		Name: name, Kind: storage.KindInterval, IntervalHours: 3, Credit: credit,
	})
	if err != nil {
		t.Fatalf("put timer: %v", err)
	}
}

func TestClaimAwardsCreditAndRegistersMember(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	addTimer(t, store, "drake", 10)

	res, err := svc.Claim(ctx, 42, "alice", "drake", 1000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Credit != 10 || res.Total != 10 {
		t.Fatalf("credit/total = %d/%d, want 10/10", res.Credit, res.Total)
	}
	m, err := store.GetMember(ctx, 42)
	if err != nil {
		t.Fatalf("member not registered: %v", err)
	}
	if m.DisplayName != "alice" {
		t.Fatalf("display name = %q", m.DisplayName)
	}
}

func TestClaimDuplicateRejected(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	addTimer(t, store, "drake", 10)

	if _, err := svc.Claim(ctx, 42, "alice", "drake", 1000); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := svc.Claim(ctx, 42, "alice", "drake", 1000)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("err = %v, want ErrAlreadyClaimed", err)
	}

	// A different occurrence of the same timer is a fresh claim.
	res, err := svc.Claim(ctx, 42, "alice", "drake", 2000)
	if err != nil {
		t.Fatalf("second occurrence: %v", err)
	}
	if res.Total != 20 {
		t.Fatalf("total = %d, want 20", res.Total)
	}
}

func TestClaimUnknownTimer(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Claim(context.Background(), 42, "alice", "nope", 1000)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimClearsMaintenance(t *testing.T) {
	svc, store, maint := newService(t)
	ctx := context.Background()
	addTimer(t, store, "drake", 10)

	if _, err := maint.Activate(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := svc.Claim(ctx, 42, "alice", "drake", 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	active, err := maint.IsActive(ctx)
	if err != nil || active {
		t.Fatalf("maintenance not cleared: %v %v", active, err)
	}
}

func TestConcurrentClaimsAllSettle(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	addTimer(t, store, "drake", 5)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Claim(ctx, int64(i+1), "user", "drake", 1000)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}
	got, err := store.ListParticipants(ctx, "drake", 1000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != n {
		t.Fatalf("recorded %d claims, want %d", len(got), n)
	}
}

func TestLockReleasedAfterError(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	addTimer(t, store, "drake", 10)

	if _, err := svc.Claim(ctx, 42, "alice", "drake", 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Duplicate fails inside the locked section; the lock must still come free.
	if _, err := svc.Claim(ctx, 42, "alice", "drake", 1000); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("err = %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := svc.Claim(ctx, 43, "bob", "drake", 1000)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow-up claim: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock not released after failed claim")
	}
}

func TestKeyedLockTimeout(t *testing.T) {
	locks := newKeyedLocks(50 * time.Millisecond)
	ctx := context.Background()

	release, err := locks.acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := locks.acquire(ctx, "k"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	release()
	release() // double release is a no-op

	r2, err := locks.acquire(ctx, "k")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	r2()
}

func TestKeyedLockWakesWaiter(t *testing.T) {
	locks := newKeyedLocks(time.Second)
	ctx := context.Background()

	release, err := locks.acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		r, err := locks.acquire(ctx, "k")
		if err == nil {
			r()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}
