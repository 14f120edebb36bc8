package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"storebroker/internal/pubsub"
	"storebroker/internal/quit"
)

type fakeProcess struct {
	pid        int
	stubborn   bool
	exited     atomic.Bool
	terminated atomic.Int32
	killed     atomic.Int32
	onExit     func()
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if !p.stubborn {
		p.exited.Store(true)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.exited.Store(true)
	return nil
}

func (p *fakeProcess) Exited() bool { return p.exited.Load() }

func (p *fakeProcess) ExitStatus() string {
	if p.exited.Load() {
		return "exit status 0"
	}
	return ""
}

func (p *fakeProcess) exit() {
	p.exited.Store(true)
	if p.onExit != nil {
		p.onExit()
	}
}

type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	argv     [][]string
	procs    map[string]*fakeProcess
	err      error
	stubborn bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 100, procs: make(map[string]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(argv []string, exited func()) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, stubborn: s.stubborn, onExit: exited}
	s.argv = append(s.argv, argv)
	s.procs[argv[len(argv)-1]] = p
	return p, nil
}

func (s *fakeSpawner) proc(path string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[path]
}

func (s *fakeSpawner) spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.argv)
}

func TestStartPassesPathToHelper(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(Options{Spawner: spawner, VacuumPath: "/opt/broker/vacuumd"})

	res, err := sup.Start("/db/a")
	if err != nil || res != Started {
		t.Fatalf("Start() = %s, %v", res, err)
	}
	if got := spawner.argv[0]; len(got) != 2 || got[0] != "/opt/broker/vacuumd" || got[1] != "/db/a" {
		t.Fatalf("unexpected argv %v", got)
	}
	jobs := sup.Running()
	if len(jobs) != 1 || jobs[0].Path != "/db/a" || jobs[0].PID != 101 {
		t.Fatalf("unexpected jobs %#v", jobs)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(Options{Spawner: spawner})

	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	res, err := sup.Start("/db/a")
	if err != nil || res != AlreadyRunning {
		t.Fatalf("second Start() = %s, %v", res, err)
	}
	if sup.Size() != 1 || spawner.spawns() != 1 {
		t.Fatalf("expected one job and one spawn, got size=%d spawns=%d", sup.Size(), spawner.spawns())
	}
}

func TestCapacityIsEnforced(t *testing.T) {
	const capacity = 3
	spawner := newFakeSpawner()
	sup := New(Options{Spawner: spawner, Capacity: capacity})

	for i := 0; i < capacity; i++ {
		if res, err := sup.Start(fmt.Sprintf("/db/%d", i)); err != nil || res != Started {
			t.Fatalf("Start %d = %s, %v", i, res, err)
		}
	}
	res, err := sup.Start("/db/overflow")
	if err != nil || res != AtCapacity {
		t.Fatalf("overflow Start() = %s, %v", res, err)
	}
	if sup.Size() != capacity {
		t.Fatalf("size = %d, want %d", sup.Size(), capacity)
	}
	for _, job := range sup.Running() {
		if job.Path == "/db/overflow" {
			t.Fatal("overflow path recorded")
		}
	}
}

func TestConcurrentStartsNeverExceedCapacity(t *testing.T) {
	const capacity = 4
	sup := New(Options{Spawner: newFakeSpawner(), Capacity: capacity})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = sup.Start(fmt.Sprintf("/db/%d", i%8))
		}(i)
	}
	wg.Wait()
	if sup.Size() != capacity {
		t.Fatalf("size = %d, want %d", sup.Size(), capacity)
	}
}

func TestStopUnknownPath(t *testing.T) {
	sup := New(Options{Spawner: newFakeSpawner()})
	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.Stop("/no/such/db") {
		t.Fatal("Stop returned true for unknown path")
	}
	if sup.Size() != 1 {
		t.Fatalf("table changed: size=%d", sup.Size())
	}
}

func TestStopTerminatesAndRemoves(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(Options{Spawner: spawner})
	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.Stop("/db/a") {
		t.Fatal("Stop returned false for running job")
	}
	if sup.Size() != 0 {
		t.Fatalf("expected empty table, size=%d", sup.Size())
	}
	if got := spawner.proc("/db/a").terminated.Load(); got != 1 {
		t.Fatalf("expected one terminate, got %d", got)
	}
}

func TestSpawnFailureLeavesTableUnchanged(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.err = errors.New("exec format error")
	sup := New(Options{Spawner: spawner})

	res, err := sup.Start("/db/a")
	if err == nil || res != Failed {
		t.Fatalf("Start() = %s, %v; want failure", res, err)
	}
	if sup.Size() != 0 {
		t.Fatalf("failed spawn recorded: size=%d", sup.Size())
	}

	spawner.err = nil
	if res, err := sup.Start("/db/a"); err != nil || res != Started {
		t.Fatalf("retry Start() = %s, %v", res, err)
	}
}

func TestWatcherReapsExitedHelpers(t *testing.T) {
	spawner := newFakeSpawner()
	events := pubsub.NewChannel[Event]()
	listener := events.NewListener()
	defer listener.Close()
	sup := New(Options{Spawner: spawner, Events: events})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if evt, ok := listener.Listen(); !ok || evt.Kind != EventStarted {
		t.Fatalf("expected started event, got %#v", evt)
	}

	spawner.proc("/db/a").exit()
	evt, ok := listener.Listen()
	if !ok || evt.Kind != EventExited || evt.Path != "/db/a" || evt.Status != "exit status 0" {
		t.Fatalf("expected exited event, got %#v", evt)
	}
	if sup.Size() != 0 {
		t.Fatalf("exited helper still tracked: size=%d", sup.Size())
	}

	sup.RequestStop(quit.Remote())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after RequestStop")
	}
}

func TestRequestStopIsIdempotentAndInterruptsHelpers(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(Options{Spawner: spawner})
	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	sup.RequestStop(quit.Signal(syscall.SIGINT))
	sup.RequestStop(quit.Remote())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit")
	}
	if got := spawner.proc("/db/a").terminated.Load(); got != 1 {
		t.Fatalf("expected remaining helper interrupted once, got %d", got)
	}
	if _, err := sup.Start("/db/b"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after stop: expected ErrStopped, got %v", err)
	}
}

type gatedSpawner struct {
	*fakeSpawner
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSpawner) Spawn(argv []string, exited func()) (Process, error) {
	close(s.entered)
	<-s.release
	return s.fakeSpawner.Spawn(argv, exited)
}

func TestStartDuringShutdownInterruptsHelper(t *testing.T) {
	spawner := &gatedSpawner{
		fakeSpawner: newFakeSpawner(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	sup := New(Options{Spawner: spawner})

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	type startResult struct {
		res StartResult
		err error
	}
	started := make(chan startResult, 1)
	go func() {
		res, err := sup.Start("/db/a")
		started <- startResult{res, err}
	}()

	<-spawner.entered
	sup.RequestStop(quit.Signal(syscall.SIGTERM))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit")
	}
	close(spawner.release)

	got := <-started
	if got.res != Failed || !errors.Is(got.err, ErrStopped) {
		t.Fatalf("Start() = %s, %v; want failed with ErrStopped", got.res, got.err)
	}
	if sup.Size() != 0 {
		t.Fatalf("helper spawned during shutdown was recorded: size=%d", sup.Size())
	}
	if n := spawner.proc("/db/a").terminated.Load(); n != 1 {
		t.Fatalf("expected late helper interrupted once, got %d", n)
	}
}

func TestStartDuringShutdownKillsStubbornHelper(t *testing.T) {
	spawner := &gatedSpawner{
		fakeSpawner: newFakeSpawner(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	spawner.stubborn = true
	sup := New(Options{Spawner: spawner, KillGrace: 20 * time.Millisecond})

	errc := make(chan error, 1)
	go func() {
		_, err := sup.Start("/db/a")
		errc <- err
	}()
	<-spawner.entered
	sup.RequestStop(quit.Remote())
	close(spawner.release)
	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for spawner.proc("/db/a").killed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stubborn late helper was never killed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCleanupKillsHelpersThatIgnoreInterrupt(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.stubborn = true
	sup := New(Options{Spawner: spawner, KillGrace: 20 * time.Millisecond})
	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()
	sup.RequestStop(quit.Remote())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit")
	}

	p := spawner.proc("/db/a")
	if p.terminated.Load() != 1 || p.killed.Load() != 1 {
		t.Fatalf("terminated=%d killed=%d; want 1 and 1", p.terminated.Load(), p.killed.Load())
	}
}

func TestCleanupDoesNotKillHelpersThatExit(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(Options{Spawner: spawner, KillGrace: time.Second})
	if _, err := sup.Start("/db/a"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.RequestStop(quit.Remote())
	sup.Run(context.Background())
	if n := spawner.proc("/db/a").killed.Load(); n != 0 {
		t.Fatalf("helper that honoured interrupt was killed %d times", n)
	}
}
