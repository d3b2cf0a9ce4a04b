package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SolVend/engine/internal/config"
)

func awaitRuns(t *testing.T, runs <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d of %d never happened", i+1, n)
		}
	}
}

func TestRunsOnSchedule(t *testing.T) {
	runs := make(chan struct{}, 16)
	s := New([]Job{{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case runs <- struct{}{}:
			default:
			}
			return nil
		},
	}}, nil)

	s.Start(context.Background())
	defer s.Stop()
	awaitRuns(t, runs, 3)
}

func TestStopWaitsForInflightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	s := New([]Job{{
		Name:     "slow",
		Interval: time.Millisecond,
		Run: func(context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}}, nil)

	s.Start(context.Background())
	<-started
	s.Stop()
	if !finished.Load() {
		t.Error("Stop returned while a run was still executing")
	}
}

func TestPanicConfinedToTick(t *testing.T) {
	runs := make(chan struct{}, 16)
	s := New([]Job{{
		Name:     "explosive",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case runs <- struct{}{}:
			default:
			}
			panic("boom")
		},
	}}, nil)

	s.Start(context.Background())
	defer s.Stop()
	// Three completed ticks means the loop outlived two panics.
	awaitRuns(t, runs, 3)
}

func TestFailingJobKeepsItsSchedule(t *testing.T) {
	runs := make(chan struct{}, 16)
	s := New([]Job{{
		Name:     "sad",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case runs <- struct{}{}:
			default:
			}
			return fmt.Errorf("upstream down")
		},
	}}, nil)

	s.Start(context.Background())
	defer s.Stop()
	awaitRuns(t, runs, 3)
}

func TestInitialDelayHoldsFirstRun(t *testing.T) {
	var runs atomic.Int32
	s := New([]Job{{
		Name:         "patient",
		Interval:     time.Millisecond,
		InitialDelay: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}}, nil)

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	if got := runs.Load(); got != 0 {
		t.Errorf("runs = %d before the initial delay elapsed, want 0", got)
	}
}

func TestRunsNeverOverlap(t *testing.T) {
	var running atomic.Bool
	var overlaps atomic.Int32
	done := make(chan struct{}, 16)
	s := New([]Job{{
		Name:     "overrunner",
		Interval: time.Millisecond,
		Run: func(context.Context) error {
			if !running.CompareAndSwap(false, true) {
				overlaps.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			running.Store(false)
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	}}, nil)

	s.Start(context.Background())
	awaitRuns(t, done, 5)
	s.Stop()
	if got := overlaps.Load(); got != 0 {
		t.Errorf("observed %d overlapping runs, want 0", got)
	}
}

func TestContextCancelStopsJobs(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New([]Job{{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}}, nil)

	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	// At most one in-flight run can land after cancellation.
	if got := runs.Load(); got > after+1 {
		t.Errorf("runs kept firing after cancel: %d -> %d", after, got)
	}
	s.Stop()
}

func TestDisabledJobNeverRuns(t *testing.T) {
	var runs atomic.Int32
	s := New([]Job{
		{Name: "no_interval", Run: func(context.Context) error { runs.Add(1); return nil }},
		{Name: "no_body", Interval: time.Millisecond},
	}, nil)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	if got := runs.Load(); got != 0 {
		t.Errorf("disabled job ran %d times", got)
	}
}

type fakeInventory struct {
	expireUsers []int64
	expireErr   error
	expired     atomic.Int32
	released    atomic.Int32
}

func (f *fakeInventory) ExpireBaskets(context.Context) ([]int64, error) {
	f.expired.Add(1)
	return f.expireUsers, f.expireErr
}

func (f *fakeInventory) ReleaseAbandoned(context.Context) ([]int64, error) {
	f.released.Add(1)
	return nil, nil
}

type fakeOrders struct {
	expired   atomic.Int32
	recovered atomic.Int32
}

func (f *fakeOrders) ExpireDeposits(context.Context) (int, error) {
	f.expired.Add(1)
	return 0, nil
}

func (f *fakeOrders) RecoverPending(context.Context) error {
	f.recovered.Add(1)
	return nil
}

type fakeChain struct{ scans atomic.Int32 }

func (f *fakeChain) Scan(context.Context) error {
	f.scans.Add(1)
	return nil
}

type fakePrices struct{ refreshes atomic.Int32 }

func (f *fakePrices) Refresh(context.Context) error {
	f.refreshes.Add(1)
	return nil
}

type noticeRecorder struct {
	mu    sync.Mutex
	users map[int64][]string
}

func (r *noticeRecorder) NotifyUser(_ context.Context, userID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = append(r.users[userID], text)
}

func (r *noticeRecorder) AlertOperator(context.Context, string) {}
func (r *noticeRecorder) LogPurchase(context.Context, string)   {}

func jobConfig(interval, delay time.Duration) config.JobConfig {
	return config.JobConfig{
		Interval:     config.Duration{Duration: interval},
		InitialDelay: config.Duration{Duration: delay},
	}
}

func TestStandardJobs(t *testing.T) {
	cfg := config.SchedulerConfig{
		BasketExpiry:         jobConfig(5*time.Minute, 10*time.Second),
		PaymentTimeout:       jobConfig(10*time.Minute, time.Minute),
		AbandonedReservation: jobConfig(3*time.Minute, 2*time.Minute),
		PaymentRecovery:      jobConfig(5*time.Minute, 3*time.Minute),
		SolanaScan:           jobConfig(time.Minute, 30*time.Second),
		PriceRefresh:         jobConfig(4*time.Minute, time.Minute),
	}
	inv := &fakeInventory{expireUsers: []int64{7, 9}}
	ord := &fakeOrders{}
	chain := &fakeChain{}
	prices := &fakePrices{}
	rec := &noticeRecorder{users: map[int64][]string{}}

	jobs := StandardJobs(cfg, inv, ord, chain, prices, rec)
	if len(jobs) != 6 {
		t.Fatalf("jobs = %d, want 6", len(jobs))
	}

	wantIntervals := map[string]time.Duration{
		"basket_expiry":         5 * time.Minute,
		"payment_timeout":       10 * time.Minute,
		"abandoned_reservation": 3 * time.Minute,
		"payment_recovery":      5 * time.Minute,
		"solana_scan":           time.Minute,
		"price_refresh":         4 * time.Minute,
	}
	ctx := context.Background()
	for _, job := range jobs {
		want, ok := wantIntervals[job.Name]
		if !ok {
			t.Errorf("unexpected job %q", job.Name)
			continue
		}
		if job.Interval != want {
			t.Errorf("%s interval = %v, want %v", job.Name, job.Interval, want)
		}
		if err := job.Run(ctx); err != nil {
			t.Errorf("%s run: %v", job.Name, err)
		}
	}

	if inv.expired.Load() != 1 || inv.released.Load() != 1 {
		t.Errorf("inventory calls = %d expire, %d release; want 1, 1", inv.expired.Load(), inv.released.Load())
	}
	if ord.expired.Load() != 1 || ord.recovered.Load() != 1 {
		t.Errorf("order calls = %d expire, %d recover; want 1, 1", ord.expired.Load(), ord.recovered.Load())
	}
	if chain.scans.Load() != 1 {
		t.Errorf("scans = %d, want 1", chain.scans.Load())
	}
	if prices.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", prices.refreshes.Load())
	}

	for _, userID := range []int64{7, 9} {
		msgs := rec.users[userID]
		if len(msgs) != 1 || !strings.Contains(msgs[0], "Basket expired") {
			t.Errorf("user %d notices = %v, want one expiry notice", userID, msgs)
		}
	}
}

func TestBasketExpiryJobSkipsNoticesOnError(t *testing.T) {
	inv := &fakeInventory{expireUsers: []int64{7}, expireErr: fmt.Errorf("db locked")}
	rec := &noticeRecorder{users: map[int64][]string{}}
	jobs := StandardJobs(config.SchedulerConfig{
		BasketExpiry: jobConfig(5*time.Minute, 0),
	}, inv, &fakeOrders{}, &fakeChain{}, &fakePrices{}, rec)

	if err := jobs[0].Run(context.Background()); err == nil {
		t.Fatal("expected the sweep error to propagate")
	}
	if len(rec.users) != 0 {
		t.Errorf("notices sent despite failed sweep: %v", rec.users)
	}
}
