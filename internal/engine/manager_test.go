package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
)

type fakeInstance struct {
	id     int
	closed atomic.Bool
}

func (f *fakeInstance) Complete(context.Context, CompletionRequest) (string, error) {
	return "ok", nil
}

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeRuntime returns the queued results in order, then succeeds.
type fakeRuntime struct {
	mu      sync.Mutex
	errs    []error
	starts  int
	gate    chan struct{} // when set, Start blocks until it is closed
	entered chan struct{}
}

func (r *fakeRuntime) Start(ctx context.Context, report func(Progress)) (Instance, error) {
	r.mu.Lock()
	r.starts++
	n := r.starts
	var err error
	if len(r.errs) > 0 {
		err, r.errs = r.errs[0], r.errs[1:]
	}
	gate, entered := r.gate, r.entered
	r.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	report(Progress{Phase: "starting", Percent: 0, Text: "Starting"})
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	report(Progress{Phase: "ready", Percent: 100, Text: "Ready"})
	return &fakeInstance{id: n}, nil
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type fakeCache struct {
	mu      sync.Mutex
	deleted []string
	errs    map[string]error
}

func (c *fakeCache) Stores() []string { return DefaultStores }

func (c *fakeCache) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, name)
	return c.errs[name]
}

func (c *fakeCache) attempts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

func TestLoad_ConcurrentCallersShareOneLoad(t *testing.T) {
	rt := &fakeRuntime{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := NewManager(rt, &fakeCache{}, nil, nil)

	const callers = 8
	results := make([]Instance, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := m.Load(context.Background())
			if err != nil {
				t.Errorf("Load: %v", err)
			}
			results[i] = inst
		}()
	}

	<-rt.entered
	// Give the other callers time to pile onto the pending load.
	time.Sleep(20 * time.Millisecond)
	close(rt.gate)
	wg.Wait()

	if got := rt.startCount(); got != 1 {
		t.Errorf("runtime started %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}

	// Once ready, callers get the same instance without another start.
	again, _ := m.Load(context.Background())
	if again != results[0] || rt.startCount() != 1 {
		t.Error("Load while ready should return the existing instance")
	}
	if st := m.Status(); st.State != StateReady || st.LoadedAt.IsZero() {
		t.Errorf("Status = %+v, want ready with load time", st)
	}
}

func TestLoad_CorruptionPurgesAndRetries(t *testing.T) {
	rt := &fakeRuntime{errs: []error{errors.New("gguf_init_from_file: failed to read magic")}}
	cache := &fakeCache{errs: map[string]error{
		StoreLibrary: ErrDeleteBlocked,
		StoreKV:      errors.New("disk on fire"),
	}}
	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	m := NewManager(rt, cache, bus, nil)
	inst, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inst == nil || rt.startCount() != 2 {
		t.Fatalf("starts = %d, want 2 (one retry)", rt.startCount())
	}
	if diff := cmp.Diff(DefaultStores, cache.attempts()); diff != "" {
		t.Errorf("purge order (-want +got):\n%s", diff)
	}

	var purge *events.Event
	for len(sub) > 0 {
		e := <-sub
		if e.Kind == events.KindCachePurge {
			purge = &e
		}
	}
	if purge == nil {
		t.Fatal("no cache purge event published")
	}
	if blocked := purge.Data["blocked"].([]string); len(blocked) != 1 || blocked[0] != StoreLibrary {
		t.Errorf("blocked = %v", blocked)
	}
}

func TestLoad_SecondCorruptionIsTerminal(t *testing.T) {
	first := errors.New("failed to load model: invalid magic")
	second := errors.New("tensor data is not within the file bounds: model is corrupted")
	rt := &fakeRuntime{errs: []error{first, second}}
	cache := &fakeCache{}
	m := NewManager(rt, cache, nil, nil)

	_, err := m.Load(context.Background())
	var ierr *InitError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *InitError", err)
	}
	if !ierr.CacheCorruption {
		t.Error("CacheCorruption = false, want true")
	}
	if !errors.Is(err, second) || !strings.Contains(err.Error(), second.Error()) {
		t.Errorf("error %q does not preserve the runtime message", err)
	}
	if ierr.First != first || !strings.Contains(err.Error(), "first attempt: "+first.Error()) {
		t.Errorf("error %q does not carry the error that triggered the purge", err)
	}
	if rt.startCount() != 2 {
		t.Errorf("starts = %d, want exactly 2", rt.startCount())
	}
	if len(cache.attempts()) != len(DefaultStores) {
		t.Errorf("purged %d stores, want one full purge", len(cache.attempts()))
	}
	st := m.Status()
	if st.State != StateFailed || !errors.Is(st.Err, second) {
		t.Errorf("Status = %+v, want failed with runtime error", st)
	}
}

func TestLoad_OtherFailureNotRetried(t *testing.T) {
	rt := &fakeRuntime{errs: []error{errors.New("find llama-server: executable file not found")}}
	cache := &fakeCache{}
	m := NewManager(rt, cache, nil, nil)

	_, err := m.Load(context.Background())
	var ierr *InitError
	if !errors.As(err, &ierr) || ierr.CacheCorruption {
		t.Fatalf("error = %v, want non-corruption InitError", err)
	}
	if rt.startCount() != 1 || len(cache.attempts()) != 0 {
		t.Errorf("starts = %d, purges = %d; want 1 and 0", rt.startCount(), len(cache.attempts()))
	}

	// A failed engine can be loaded again on the next request.
	if _, err := m.Load(context.Background()); err != nil {
		t.Errorf("second Load: %v", err)
	}
}

func TestLoad_CallerCancelDoesNotAbortLoad(t *testing.T) {
	rt := &fakeRuntime{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := NewManager(rt, &fakeCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Load(ctx)
		errCh <- err
	}()
	<-rt.entered
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v", err)
	}

	close(rt.gate)
	inst, err := m.Load(context.Background())
	if err != nil || inst == nil {
		t.Fatalf("Load after cancel = %v, %v", inst, err)
	}
	if rt.startCount() != 1 {
		t.Errorf("starts = %d, want the original load to complete", rt.startCount())
	}
}

func TestUnload(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, &fakeCache{}, nil, nil)

	inst, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if !inst.(*fakeInstance).closed.Load() {
		t.Error("instance not closed")
	}
	if st := m.Status(); st.State != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", st.State)
	}

	next, _ := m.Load(context.Background())
	if next == inst {
		t.Error("Load after Unload returned the closed instance")
	}
}

func TestUnloadDuringLoadDiscardsInstance(t *testing.T) {
	rt := &fakeRuntime{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := NewManager(rt, &fakeCache{}, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Load(context.Background())
		errCh <- err
	}()
	<-rt.entered
	_ = m.Unload()
	close(rt.gate)

	if err := <-errCh; !errors.Is(err, ErrUnloaded) {
		t.Errorf("Load = %v, want ErrUnloaded", err)
	}
	if st := m.Status(); st.State != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", st.State)
	}
}

func TestResetCache(t *testing.T) {
	rt := &fakeRuntime{}
	cache := &fakeCache{errs: map[string]error{StoreWeights: ErrDeleteBlocked}}
	m := NewManager(rt, cache, nil, nil)

	inst, _ := m.Load(context.Background())
	rep, err := m.ResetCache(context.Background())
	if err != nil {
		t.Fatalf("ResetCache: %v", err)
	}
	if !inst.(*fakeInstance).closed.Load() {
		t.Error("ResetCache did not unload the ready engine")
	}
	want := PurgeReport{Deleted: []string{StoreConfig, StoreLibrary, StoreKV}, Blocked: []string{StoreWeights}}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}
}

func TestResetCacheRefusedWhileLoading(t *testing.T) {
	rt := &fakeRuntime{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	cache := &fakeCache{}
	m := NewManager(rt, cache, nil, nil)

	go m.Load(context.Background()) //nolint:errcheck
	<-rt.entered
	defer close(rt.gate)

	if _, err := m.ResetCache(context.Background()); !errors.Is(err, ErrLoadInProgress) {
		t.Errorf("ResetCache = %v, want ErrLoadInProgress", err)
	}
	if len(cache.attempts()) != 0 {
		t.Error("stores deleted under a running load")
	}
}

func TestSubscribeProgress(t *testing.T) {
	m := NewManager(&fakeRuntime{}, &fakeCache{}, nil, nil)
	ch, stop := m.Subscribe(8)

	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	stop()

	var phases []string
	for p := range ch {
		phases = append(phases, p.Phase)
	}
	if diff := cmp.Diff([]string{"starting", "ready"}, phases); diff != "" {
		t.Errorf("phases (-want +got):\n%s", diff)
	}
	stop() // idempotent
}

func TestIsCacheCorruption(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("QuotaExceededError: storage full"), true},
		{errors.New("Cache.add() encountered a network error"), true},
		{errors.New("NetworkError when attempting to fetch resource."), true},
		{errors.New("read weights: unexpected EOF"), true},
		{errors.New("shard 3: checksum mismatch"), true},
		{errors.New("connection refused"), false},
		{errors.New("find llama-server: executable file not found in $PATH"), false},
	}
	for _, tt := range tests {
		if got := IsCacheCorruption(tt.err); got != tt.want {
			t.Errorf("IsCacheCorruption(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
