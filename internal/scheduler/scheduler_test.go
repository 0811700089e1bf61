package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/arbor/internal/scheduler"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor blocks each search until its gate is closed, or until the search
// context is cancelled when the gate is nil.
type fakeExecutor struct {
	mu       sync.Mutex
	gates    map[string]chan struct{}
	calls    []string
	running  map[string]int
	overlaps int
	started  chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		gates:   make(map[string]chan struct{}),
		running: make(map[string]int),
		started: make(chan string, 16),
	}
}

func (f *fakeExecutor) gate(planID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[planID] = g
	return g
}

func (f *fakeExecutor) enter(call, planID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.running[planID]++
	if f.running[planID] > 1 {
		f.overlaps++
	}
	return f.gates[planID]
}

func (f *fakeExecutor) leave(planID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[planID]--
}

func (f *fakeExecutor) Run(ctx context.Context, planID string) error {
	g := f.enter("run "+planID, planID)
	defer f.leave(planID)
	f.started <- planID
	if g == nil {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (f *fakeExecutor) Expand(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error) {
	f.enter("expand "+planID+" "+clusterID, planID)
	defer f.leave(planID)
	if clusterID == "missing" {
		return nil, domain.NotFoundf("cluster %s", clusterID)
	}
	out := make([]domain.Path, maxNew)
	for i := range out {
		out[i].ID = domain.FormatPathID(i + 1)
	}
	return out, nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func start(t *testing.T, s *scheduler.Scheduler) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := s.Workers(context.Background())
		return err == nil
	}, time.Second, time.Millisecond)

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			err = <-errc
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestScheduler_RunsSubmittedPlan(t *testing.T) {
	exec := newFakeExecutor()
	gate := exec.gate("plan-1")
	s := scheduler.New(exec)
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", <-exec.started)

	workers, err := s.Workers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "search", workers[0].Running)

	close(gate)
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool {
		w, err := s.Workers(context.Background())
		return err == nil && len(w) == 0
	}, time.Second, time.Millisecond, "idle workers are forgotten")
}

func TestScheduler_ExpansionWaitsForSearch(t *testing.T) {
	exec := newFakeExecutor()
	gate := exec.gate("plan-1")
	s := scheduler.New(exec)
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	<-exec.started

	type result struct {
		paths []domain.Path
		err   error
	}
	results := make(chan result, 2)
	for _, c := range []string{"cluster-01", "cluster-02"} {
		go func(c string) {
			paths, err := s.Expand(context.Background(), "plan-1", c, 2)
			results <- result{paths, err}
		}(c)
	}
	require.Eventually(t, func() bool {
		w, err := s.Workers(context.Background())
		return err == nil && len(w) == 1 && w[0].Queued == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"run plan-1"}, exec.Calls(), "expansions never run beside the search")

	close(gate)
	require.NoError(t, <-done)
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Len(t, r.paths, 2)
	}
	calls := exec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "run plan-1", calls[0])
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Zero(t, exec.overlaps)
}

func TestScheduler_ExpandErrorsReachCaller(t *testing.T) {
	s := scheduler.New(newFakeExecutor())
	start(t, s)

	_, err := s.Expand(context.Background(), "plan-1", "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScheduler_PlansRunConcurrently(t *testing.T) {
	exec := newFakeExecutor()
	gates := []chan struct{}{exec.gate("plan-a"), exec.gate("plan-b")}
	s := scheduler.New(exec)
	start(t, s)

	da, err := s.Submit(context.Background(), "plan-a")
	require.NoError(t, err)
	db, err := s.Submit(context.Background(), "plan-b")
	require.NoError(t, err)

	seen := map[string]bool{<-exec.started: true, <-exec.started: true}
	assert.Equal(t, map[string]bool{"plan-a": true, "plan-b": true}, seen)

	for _, g := range gates {
		close(g)
	}
	assert.NoError(t, <-da)
	assert.NoError(t, <-db)
}

func TestScheduler_Cancel(t *testing.T) {
	exec := newFakeExecutor()
	s := scheduler.New(exec)
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	<-exec.started

	ok, err := s.Cancel(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, <-done, domain.ErrPlanCancelled)

	ok, err = s.Cancel(context.Background(), "plan-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduler_WatchdogFailsLongSearch(t *testing.T) {
	exec := newFakeExecutor()
	s := scheduler.New(exec, scheduler.WithWatchdog(20*time.Millisecond), scheduler.WithTick(5*time.Millisecond))
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrWatchdog)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestScheduler_StopCancelsAndRejects(t *testing.T) {
	exec := newFakeExecutor()
	s := scheduler.New(exec)
	stop := start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	<-exec.started

	queued := make(chan error, 1)
	go func() {
		_, err := s.Expand(context.Background(), "plan-1", "cluster-01", 1)
		queued <- err
	}()
	require.Eventually(t, func() bool {
		w, err := s.Workers(context.Background())
		return err == nil && len(w) == 1 && w[0].Queued == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, stop())
	assert.ErrorIs(t, <-done, scheduler.ErrStopped)
	assert.ErrorIs(t, <-queued, scheduler.ErrStopped)

	_, err = s.Submit(context.Background(), "plan-2")
	assert.ErrorIs(t, err, scheduler.ErrStopped)
	<-s.Done()
	assert.ErrorIs(t, s.Run(context.Background()), scheduler.ErrAlreadyRunning)
}

func TestScheduler_NotStarted(t *testing.T) {
	s := scheduler.New(newFakeExecutor())
	_, err := s.Submit(context.Background(), "plan-1")
	assert.ErrorIs(t, err, scheduler.ErrStopped)
}

type recordingLocker struct {
	mu        sync.Mutex
	locked    []string
	freed     []string
	refreshed int
	fail      error
	lost      bool
}

func (l *recordingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.locked = append(l.locked, key)
	return &recordingLease{locker: l, key: key}, nil
}

func (l *recordingLocker) refreshes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshed
}

type recordingLease struct {
	locker *recordingLocker
	key    string
}

func (r *recordingLease) Refresh(context.Context, time.Duration) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	if r.locker.lost {
		return domain.ErrLockLost
	}
	r.locker.refreshed++
	return nil
}

func (r *recordingLease) Unlock(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	r.locker.freed = append(r.locker.freed, r.key)
	return nil
}

func TestScheduler_HoldsPlanLock(t *testing.T) {
	exec := newFakeExecutor()
	close(exec.gate("plan-1"))
	locker := &recordingLocker{}
	s := scheduler.New(exec, scheduler.WithLocker(locker, time.Minute))
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	require.NoError(t, <-done)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, []string{"plan:plan-1"}, locker.locked)
	assert.Equal(t, []string{"plan:plan-1"}, locker.freed)
}

func TestScheduler_LockFailureSkipsJob(t *testing.T) {
	exec := newFakeExecutor()
	locker := &recordingLocker{fail: errors.New("redis down")}
	s := scheduler.New(exec, scheduler.WithLocker(locker, time.Minute))
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	err = <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Empty(t, exec.Calls())
}

func TestScheduler_RefreshesLockWhileRunning(t *testing.T) {
	exec := newFakeExecutor()
	gate := exec.gate("plan-1")
	locker := &recordingLocker{}
	s := scheduler.New(exec, scheduler.WithLocker(locker, 30*time.Millisecond), scheduler.WithTick(5*time.Millisecond))
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return locker.refreshes() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"a search outliving the lock ttl keeps its lock")

	close(gate)
	require.NoError(t, <-done)
	settled := locker.refreshes()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, locker.refreshes(), "refreshes stop with the job")
}

func TestScheduler_RefreshesWithoutWatchdog(t *testing.T) {
	exec := newFakeExecutor()
	gate := exec.gate("plan-1")
	locker := &recordingLocker{}
	s := scheduler.New(exec, scheduler.WithWatchdog(0), scheduler.WithLocker(locker, 30*time.Millisecond), scheduler.WithTick(5*time.Millisecond))
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return locker.refreshes() >= 1 }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	require.NoError(t, <-done)
}

func TestScheduler_LostLockCancelsSearch(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate("plan-1")
	locker := &recordingLocker{lost: true}
	s := scheduler.New(exec, scheduler.WithLocker(locker, 30*time.Millisecond), scheduler.WithTick(5*time.Millisecond))
	start(t, s)

	done, err := s.Submit(context.Background(), "plan-1")
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrLockLost)
	case <-time.After(2 * time.Second):
		t.Fatal("search kept running without its lock")
	}

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, []string{"plan:plan-1"}, locker.freed)
}
