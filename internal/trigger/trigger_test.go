package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"StrongNet-Agent/internal/config"
	"StrongNet-Agent/internal/cycle"
	"StrongNet-Agent/internal/dispatch"
	"StrongNet-Agent/internal/lock"
	"StrongNet-Agent/pkg/logger"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []cycle.Trigger
	failures int
	ran      chan struct{}
}

func newFakeRunner(failures int) *fakeRunner {
	return &fakeRunner{failures: failures, ran: make(chan struct{}, 16)}
}

func (f *fakeRunner) RunCycle(_ context.Context, trigger cycle.Trigger) (cycle.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		f.ran <- struct{}{}
		return cycle.Report{}, cycle.ErrCycleBusy
	}
	f.triggers = append(f.triggers, trigger)
	f.ran <- struct{}{}
	return cycle.Report{CycleID: "c", Outcome: dispatch.Outcome{Status: dispatch.StatusSucceeded}}, nil
}

func (f *fakeRunner) succeeded() []cycle.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cycle.Trigger, len(f.triggers))
	copy(out, f.triggers)
	return out
}

// lockedRunner 像引擎一样在执行前等待钱包锁。
type lockedRunner struct {
	locker  lock.Locker
	waiting chan struct{}
	once    sync.Once
}

func (r *lockedRunner) RunCycle(ctx context.Context, _ cycle.Trigger) (cycle.Report, error) {
	r.once.Do(func() { close(r.waiting) })
	release, err := r.locker.Acquire(ctx)
	if err != nil {
		return cycle.Report{}, err
	}
	defer release()
	return cycle.Report{CycleID: "c"}, nil
}

func waitRuns(t *testing.T, f *fakeRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ran:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for run %d", i+1)
		}
	}
}

func runProcessor(t *testing.T, runner CycleRunner, q Consumer, opts ...ProcessorOption) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]ProcessorOption{WithProcessorLogger(logger.Discard())}, opts...)
	p := NewProcessor(runner, q, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func publish(t *testing.T, q Producer, req Request) {
	t.Helper()
	if err := q.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMemoryQueueRunsOneCyclePerRequest(t *testing.T) {
	q := NewMemoryQueue(4)
	runner := newFakeRunner(0)
	stop := runProcessor(t, runner, q)
	defer stop()

	publish(t, q, NewRequest("agent"))
	publish(t, q, NewRequest("agent"))
	waitRuns(t, runner, 2)

	got := runner.succeeded()
	if len(got) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(got))
	}
	if got[0] != cycle.TriggerQueue {
		t.Fatalf("unexpected trigger %s", got[0])
	}
}

func TestMemoryQueueRequeuesWhenBusy(t *testing.T) {
	q := NewMemoryQueue(4)
	runner := newFakeRunner(1)
	stop := runProcessor(t, runner, q)
	defer stop()

	publish(t, q, NewRequest("ops"))
	waitRuns(t, runner, 2)
	if n := len(runner.succeeded()); n != 1 {
		t.Fatalf("expected 1 cycle after requeue, got %d", n)
	}
}

func TestExpiredRequestsAreDropped(t *testing.T) {
	q := NewMemoryQueue(4)
	runner := newFakeRunner(0)
	stop := runProcessor(t, runner, q, WithMaxAge(time.Minute))

	stale := NewRequest("agent")
	stale.RequestedAt = time.Now().Add(-time.Hour)
	publish(t, q, stale)
	publish(t, q, NewRequest("agent"))
	waitRuns(t, runner, 1)
	stop()

	if n := len(runner.succeeded()); n != 1 {
		t.Fatalf("expected stale request to be dropped, got %d cycles", n)
	}
}

func TestRedisQueueRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueueWithClient(client, "triggers", 100*time.Millisecond)
	runner := newFakeRunner(1)
	stop := runProcessor(t, runner, q)
	defer stop()

	publish(t, q, NewRequest("agent"))
	waitRuns(t, runner, 2)
	if n := len(runner.succeeded()); n != 1 {
		t.Fatalf("expected 1 cycle after requeue, got %d", n)
	}
}

func TestRedisQueueKeepsRequestWaitingOnLockAtShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueueWithClient(client, "triggers", 100*time.Millisecond)
	req := NewRequest("agent")
	publish(t, q, req)

	// 定时周期持有钱包锁，队列请求只能等待。
	locker := lock.NewMemory()
	release, err := locker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	runner := &lockedRunner{locker: locker, waiting: make(chan struct{})}
	stop := runProcessor(t, runner, q)
	select {
	case <-runner.waiting:
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached the wallet lock")
	}
	stop()

	items, err := client.LRange(context.Background(), "triggers", 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected unexecuted request to stay queued, queue length %d", len(items))
	}
	if got := decode([]byte(items[0])); got.ID != req.ID {
		t.Fatalf("unexpected queued request %+v", got)
	}
}

func TestMemoryQueueKeepsRequestWaitingOnLockAtShutdown(t *testing.T) {
	q := NewMemoryQueue(4)
	req := NewRequest("agent")
	publish(t, q, req)

	locker := lock.NewMemory()
	release, err := locker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	runner := &lockedRunner{locker: locker, waiting: make(chan struct{})}
	stop := runProcessor(t, runner, q)
	select {
	case <-runner.waiting:
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached the wallet lock")
	}
	stop()

	select {
	case got := <-q.ch:
		if got.ID != req.ID {
			t.Fatalf("unexpected queued request %+v", got)
		}
	default:
		t.Fatal("expected unexecuted request to stay queued")
	}
}

func TestDecodeAcceptsPlainText(t *testing.T) {
	req := decode([]byte(" manual-42 \n"))
	if req.ID != "manual-42" || req.Source != "raw" {
		t.Fatalf("unexpected plain text request %+v", req)
	}

	payload, err := encode(Request{Source: "agent"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded := decode(payload)
	if decoded.ID == "" || decoded.Source != "agent" {
		t.Fatalf("unexpected decoded request %+v", decoded)
	}
}

func TestOpenDisabledAndMemory(t *testing.T) {
	q, err := Open(context.Background(), config.TriggerConfig{})
	if err != nil || q != nil {
		t.Fatalf("disabled driver: q=%v err=%v", q, err)
	}

	q, err = Open(context.Background(), config.TriggerConfig{Driver: "memory"})
	if err != nil || q == nil {
		t.Fatalf("memory driver: q=%v err=%v", q, err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(context.Background(), config.TriggerConfig{Driver: "kafka"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
