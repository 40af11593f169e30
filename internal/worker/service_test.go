package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kaku/internal/eventbus"
	logx "kaku/pkg/logx"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// fakeHub records every transmission in call order.
type fakeHub struct {
	mu    sync.Mutex
	calls []hubCall
}

type hubCall struct {
	device int
	kind   ActionKind
	level  int
}

func (h *fakeHub) add(c hubCall) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

func (h *fakeHub) on(id int) error  { h.add(hubCall{device: id, kind: TurnOn}); return nil }
func (h *fakeHub) off(id int) error { h.add(hubCall{device: id, kind: TurnOff}); return nil }
func (h *fakeHub) dim(id, level int) error {
	h.add(hubCall{device: id, kind: Dim, level: level})
	return nil
}

func (h *fakeHub) snapshot() []hubCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hubCall(nil), h.calls...)
}

// gate blocks a transmission until released, so tests can pin a device in
// the executing slot.
type gate struct {
	entered chan int
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan int, 16), release: make(chan struct{})}
}

func (g *gate) send(id int) error {
	g.entered <- id
	<-g.release
	return nil
}

func (g *gate) waitEntered(t *testing.T) int {
	t.Helper()
	select {
	case id := <-g.entered:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocking action")
		return -1
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeClock, <-chan eventbus.Event) {
	t.Helper()
	clk := &fakeClock{}
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	bus := eventbus.New()
	done, unsub := bus.Subscribe(256, "task.finished", "task.failed")
	t.Cleanup(unsub)

	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, clk, done
}

func waitTasks(t *testing.T, ch <-chan eventbus.Event, n int) []TaskEvent {
	t.Helper()
	out := make([]TaskEvent, 0, n)
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e.Data.(TaskEvent))
		case <-deadline:
			t.Fatalf("timed out after %d of %d tasks", len(out), n)
		}
	}
	return out
}

func onTask(id int, tries int, send SendFunc) Task {
	return Task{DeviceID: id, Kind: TurnOn, Params: Params{Tries: tries, Sleep: time.Second, Send: send}}
}

func TestSubmitWithoutStartIsRejected(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	hub := &fakeHub{}

	err := s.Submit(onTask(7, 1, hub.on))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning = true before Start")
	}
	if s.IsBusy(7) {
		t.Fatal("IsBusy = true on an unstarted worker")
	}
	if snap := s.Snapshot(); snap.QueueLen != 0 || snap.Submitted != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestRepeatsTurnOnWithSpacing(t *testing.T) {
	t.Parallel()
	s, clk, done := newTestService(t, Config{})
	hub := &fakeHub{}

	if err := s.Submit(onTask(7, 3, hub.on)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ev := waitTasks(t, done, 1)[0]
	if ev.Attempts != 3 || ev.Error != "" {
		t.Fatalf("event = %+v, want 3 clean attempts", ev)
	}
	if got := len(hub.snapshot()); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	clk.mu.Lock()
	sleeps := append([]time.Duration(nil), clk.sleeps...)
	clk.mu.Unlock()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != time.Second {
		t.Fatalf("sleeps = %v, want [1s 1s]", sleeps)
	}
}

func TestDimThenOffBeforeCompletionDropsOff(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{})
	hub := &fakeHub{}
	g := newGate()

	// Pin the worker on another device so device 7 stays queued.
	if err := s.Submit(onTask(1, 1, g.send)); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	g.waitEntered(t)

	dim := Task{DeviceID: 7, Kind: Dim, Params: Params{Tries: 1, Level: 9, DimSend: hub.dim}}
	if err := s.Submit(dim); err != nil {
		t.Fatalf("Submit dim: %v", err)
	}
	if !s.IsBusy(7) {
		t.Fatal("device 7 should be busy while queued")
	}
	off := Task{DeviceID: 7, Kind: TurnOff, Params: Params{Tries: 1, Send: hub.off}}
	if err := s.Submit(off); !errors.Is(err, ErrBusy) {
		t.Fatalf("second submit err = %v, want ErrBusy", err)
	}

	close(g.release)
	waitTasks(t, done, 2)

	calls := hub.snapshot()
	if len(calls) != 1 || calls[0] != (hubCall{device: 7, kind: Dim, level: 9}) {
		t.Fatalf("calls = %+v, want only dim(7, 9)", calls)
	}
	if s.IsBusy(7) {
		t.Fatal("device 7 still busy after completion")
	}
	if snap := s.Snapshot(); snap.DroppedBusy != 1 {
		t.Fatalf("DroppedBusy = %d, want 1", snap.DroppedBusy)
	}
}

func TestSubmitDropsWhileExecuting(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{Duplicate: DuplicateCoalesce})
	g := newGate()

	if err := s.Submit(onTask(3, 1, g.send)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	g.waitEntered(t)
	if !s.IsBusy(3) {
		t.Fatal("executing device must report busy")
	}
	hub := &fakeHub{}
	if err := s.Submit(onTask(3, 1, hub.on)); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy even with coalescing", err)
	}
	close(g.release)
	waitTasks(t, done, 1)
	if len(hub.snapshot()) != 0 {
		t.Fatal("dropped task must never execute")
	}
}

func TestFIFOAcrossDevices(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{})
	hub := &fakeHub{}
	g := newGate()

	if err := s.Submit(onTask(0, 1, g.send)); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	g.waitEntered(t)
	for _, id := range []int{1, 2, 3} {
		if err := s.Submit(onTask(id, 1, hub.on)); err != nil {
			t.Fatalf("Submit %d: %v", id, err)
		}
	}
	close(g.release)
	waitTasks(t, done, 4)

	calls := hub.snapshot()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v, want 3", calls)
	}
	for i, want := range []int{1, 2, 3} {
		if calls[i].device != want {
			t.Fatalf("call %d went to device %d, want %d", i, calls[i].device, want)
		}
	}
}

func TestConcurrentSubmitsAdmitOnePerDevice(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{QueueSize: 128})
	g := newGate()
	if err := s.Submit(onTask(0, 1, g.send)); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	g.waitEntered(t)

	var inFlight, maxInFlight, executed atomic.Int32
	send := func(id int) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		executed.Add(1)
		inFlight.Add(-1)
		return nil
	}

	const producers = 64
	var accepted, busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := s.Submit(onTask(5, 2, send)); {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted.Load() != 1 || busy.Load() != producers-1 {
		t.Fatalf("accepted = %d, busy = %d; want 1 and %d", accepted.Load(), busy.Load(), producers-1)
	}
	close(g.release)
	waitTasks(t, done, 2)
	if executed.Load() != 2 {
		t.Fatalf("executed = %d, want 2 (one task, two tries)", executed.Load())
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("max in-flight = %d, want 1", maxInFlight.Load())
	}
}

func TestActionErrorAbandonsRemainingTries(t *testing.T) {
	t.Parallel()
	s, clk, done := newTestService(t, Config{})
	hub := &fakeHub{}
	g := newGate()

	if err := s.Submit(onTask(0, 1, g.send)); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	g.waitEntered(t)

	boom := errors.New("hub unreachable")
	var calls atomic.Int32
	failing := func(id int) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	}
	if err := s.Submit(onTask(7, 3, failing)); err != nil {
		t.Fatalf("Submit failing: %v", err)
	}
	if err := s.Submit(onTask(8, 1, hub.on)); err != nil {
		t.Fatalf("Submit next: %v", err)
	}
	close(g.release)
	evs := waitTasks(t, done, 3)

	var failed *TaskEvent
	for i := range evs {
		if evs[i].DeviceID == 7 {
			failed = &evs[i]
		}
	}
	if failed == nil || failed.Attempts != 2 || failed.Error != boom.Error() {
		t.Fatalf("device 7 event = %+v, want 2 attempts and %q", failed, boom)
	}
	if calls.Load() != 2 {
		t.Fatalf("failing action called %d times, want 2", calls.Load())
	}
	if got := hub.snapshot(); len(got) != 1 || got[0].device != 8 {
		t.Fatalf("next task calls = %+v, want device 8", got)
	}
	if clk.count() != 1 {
		t.Fatalf("sleeps = %d, want 1 (only between attempts 1 and 2)", clk.count())
	}
	if snap := s.Snapshot(); snap.Failed != 1 || !s.IsRunning() {
		t.Fatalf("snapshot = %+v; want one failure and a running worker", snap)
	}
}

func TestActionPanicDoesNotKillLoop(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{})
	hub := &fakeHub{}

	if err := s.Submit(onTask(1, 2, func(int) error { panic("radio on fire") })); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ev := waitTasks(t, done, 1)[0]
	if ev.Attempts != 1 || ev.Error == "" {
		t.Fatalf("event = %+v, want one failed attempt", ev)
	}
	if err := s.Submit(onTask(2, 1, hub.on)); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	waitTasks(t, done, 1)
	if len(hub.snapshot()) != 1 {
		t.Fatal("worker stopped processing after a panicking action")
	}
	if s.IsBusy(1) {
		t.Fatal("panicking task left its device busy")
	}
}

func TestCoalesceReplacesQueuedTask(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{Duplicate: DuplicateCoalesce})
	hub := &fakeHub{}
	g := newGate()

	if err := s.Submit(onTask(0, 1, g.send)); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	g.waitEntered(t)
	if err := s.Submit(onTask(2, 1, hub.on)); err != nil {
		t.Fatalf("Submit on: %v", err)
	}
	if err := s.Submit(Task{DeviceID: 2, Kind: TurnOff, Params: Params{Tries: 1, Send: hub.off}}); err != nil {
		t.Fatalf("Submit off: %v", err)
	}
	close(g.release)
	waitTasks(t, done, 2)

	calls := hub.snapshot()
	if len(calls) != 1 || calls[0].kind != TurnOff {
		t.Fatalf("calls = %+v, want only off", calls)
	}
	if snap := s.Snapshot(); snap.Coalesced != 1 {
		t.Fatalf("Coalesced = %d, want 1", snap.Coalesced)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{})
	hub := &fakeHub{}
	tests := []struct {
		name string
		task Task
	}{
		{name: "zero tries", task: Task{DeviceID: 1, Kind: TurnOn, Params: Params{Tries: 0, Send: hub.on}}},
		{name: "negative sleep", task: Task{DeviceID: 1, Kind: TurnOn, Params: Params{Tries: 1, Sleep: -time.Second, Send: hub.on}}},
		{name: "missing send", task: Task{DeviceID: 1, Kind: TurnOff, Params: Params{Tries: 1}}},
		{name: "dim level low", task: Task{DeviceID: 1, Kind: Dim, Params: Params{Tries: 1, Level: 0, DimSend: hub.dim}}},
		{name: "dim level high", task: Task{DeviceID: 1, Kind: Dim, Params: Params{Tries: 1, Level: 16, DimSend: hub.dim}}},
		{name: "dim without dim action", task: Task{DeviceID: 1, Kind: Dim, Params: Params{Tries: 1, Level: 5, Send: hub.on}}},
		{name: "unknown kind", task: Task{DeviceID: 1, Kind: ActionKind(42), Params: Params{Tries: 1, Send: hub.on}}},
		{name: "negative device", task: Task{DeviceID: -1, Kind: TurnOn, Params: Params{Tries: 1, Send: hub.on}}},
	}
	for _, tt := range tests {
		if err := s.Submit(tt.task); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("%s: err = %v, want ErrInvalidTask", tt.name, err)
		}
	}
	if s.IsBusy(1) {
		t.Fatal("invalid tasks must not occupy the device")
	}
}

func TestStopWaitsForInFlightAndDiscardsQueue(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{}
	s := New(Config{Clock: clk, PollInterval: 20 * time.Millisecond}, logx.Nop(), nil)
	s.Start(context.Background())
	hub := &fakeHub{}
	g := newGate()

	var blockerCalls atomic.Int32
	blocker := func(id int) error {
		if blockerCalls.Add(1) == 1 {
			return g.send(id)
		}
		return nil
	}
	if err := s.Submit(onTask(1, 3, blocker)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	g.waitEntered(t)
	if err := s.Submit(onTask(2, 1, hub.on)); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	deadline := time.Now().Add(time.Second)
	for s.State() != StateStopRequested {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want stop_requested", s.State())
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Submit(onTask(3, 1, hub.on)); !errors.Is(err, ErrStopping) {
		t.Fatalf("submit during stop err = %v, want ErrStopping", err)
	}
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight repeat finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after in-flight task finished")
	}

	if got := blockerCalls.Load(); got != 3 {
		t.Fatalf("in-flight task made %d attempts, want all 3", got)
	}
	if len(hub.snapshot()) != 0 {
		t.Fatal("queued task was dequeued after stop")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	if err := s.Submit(onTask(2, 1, hub.on)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after stop err = %v, want ErrNotRunning", err)
	}
	if snap := s.Snapshot(); snap.Discarded != 1 || snap.Executed != 1 {
		t.Fatalf("snapshot = %+v, want 1 discarded and 1 executed", snap)
	}
}

func TestStopIdleReturnsWithinPollInterval(t *testing.T) {
	t.Parallel()
	s := New(Config{PollInterval: 50 * time.Millisecond}, logx.Nop(), nil)
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}
	start := time.Now()
	s.Stop(context.Background())
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("Stop took %v on an idle worker", took)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning = true after Stop")
	}
	s.Stop(context.Background())
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	s, _, done := newTestService(t, Config{})
	s.Stop(context.Background())
	s.Start(context.Background())
	hub := &fakeHub{}
	if err := s.Submit(onTask(4, 1, hub.on)); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	waitTasks(t, done, 1)
	if len(hub.snapshot()) != 1 {
		t.Fatal("restarted worker did not execute task")
	}
}

func TestContextCancelIsHardStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{PollInterval: 20 * time.Millisecond}, logx.Nop(), nil)
	s.Start(ctx)

	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	send := func(int) error {
		calls.Add(1)
		entered <- struct{}{}
		return nil
	}
	// Real clock with a long sleep: only cancellation can end this sequence.
	if err := s.Submit(Task{DeviceID: 1, Kind: TurnOn, Params: Params{Tries: 3, Sleep: time.Hour, Send: send}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-entered
	cancel()

	// Without any Stop call the worker must wind down on its own.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v after cancel, want stopped", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning = true after cancel")
	}
	if err := s.Submit(Task{DeviceID: 9, Kind: TurnOn, Params: Params{Tries: 1, Send: send}}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit after cancel = %v, want ErrNotRunning", err)
	}
	if s.IsBusy(9) || s.IsBusy(1) {
		t.Fatal("device still busy after cancel")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestStartAfterContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{PollInterval: 20 * time.Millisecond}, logx.Nop(), nil)
	s.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v after cancel, want stopped", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	ran := make(chan int, 1)
	send := func(id int) error { ran <- id; return nil }
	if err := s.Submit(Task{DeviceID: 2, Kind: TurnOff, Params: Params{Tries: 1, Send: send}}); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	select {
	case id := <-ran:
		if id != 2 {
			t.Fatalf("sent to %d, want 2", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run after restart")
	}
}
