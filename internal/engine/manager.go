package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
)

// Status is a point-in-time view of the manager.
type Status struct {
	State        State
	Err          error
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// PurgeReport lists what a purge did to each store.
type PurgeReport struct {
	Deleted []string
	Blocked []string
	Failed  []string
}

// Manager owns the single local engine instance.
type Manager struct {
	runtime Runtime
	cache   CacheStore
	bus     *events.Bus
	logger  *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	state    State
	inst     Instance
	lastErr  error
	loadedAt time.Time
	loadDur  time.Duration
	gen      uint64 // bumped by Unload; a load from an older generation is discarded

	subMu sync.Mutex
	subs  map[chan Progress]struct{}
}

// NewManager creates a manager in the Uninitialized state. bus may be
// nil.
func NewManager(rt Runtime, cache CacheStore, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runtime: rt,
		cache:   cache,
		bus:     bus,
		logger:  logger.With("component", "engine"),
		subs:    make(map[chan Progress]struct{}),
	}
}

// Load returns the ready instance, starting the runtime if needed.
// Concurrent callers share one load. The load itself is detached from
// ctx: a caller giving up does not abort a load others may be waiting
// on, it only stops waiting.
func (m *Manager) Load(ctx context.Context) (Instance, error) {
	m.mu.Lock()
	if m.state == StateReady {
		inst := m.inst
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("load", func() (any, error) {
		return m.load(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) load(ctx context.Context) (Instance, error) {
	m.mu.Lock()
	if m.state == StateReady {
		inst := m.inst
		m.mu.Unlock()
		return inst, nil
	}
	gen := m.gen
	m.mu.Unlock()

	m.setState(StateLoading, nil)
	start := time.Now()

	inst, err := m.runtime.Start(ctx, m.report)
	var first error
	if err != nil && IsCacheCorruption(err) {
		first = err
		m.logger.Warn("engine cache corrupted, purging and retrying once", "error", err)
		m.purge(ctx)
		inst, err = m.runtime.Start(ctx, m.report)
	}
	corrupted := first != nil
	if err != nil {
		ierr := &InitError{Err: err, First: first, CacheCorruption: corrupted}
		m.logger.Error("engine load failed", "error", err, "cache_corruption", corrupted)
		m.setState(StateFailed, ierr)
		return nil, ierr
	}

	m.mu.Lock()
	if m.gen != gen {
		from := m.transitionLocked(StateUninitialized, nil)
		m.mu.Unlock()
		m.emitState(from, StateUninitialized, nil)
		m.logger.Info("discarding engine loaded across an unload")
		_ = inst.Close()
		return nil, ErrUnloaded
	}
	m.inst = inst
	from := m.transitionLocked(StateReady, nil)
	m.loadedAt = time.Now()
	m.loadDur = m.loadedAt.Sub(start)
	m.mu.Unlock()
	m.emitState(from, StateReady, nil)

	m.logger.Info("engine ready", "elapsed", time.Since(start).Round(time.Millisecond), "recovered", corrupted)
	return inst, nil
}

// Unload closes a ready instance and returns to Uninitialized. A load in
// flight is allowed to finish but its instance is discarded.
func (m *Manager) Unload() error {
	m.mu.Lock()
	inst := m.inst
	m.inst = nil
	m.gen++
	from := m.state
	if from != StateLoading {
		m.transitionLocked(StateUninitialized, nil)
	}
	m.mu.Unlock()
	if from != StateLoading {
		m.emitState(from, StateUninitialized, nil)
	}

	if inst == nil {
		return nil
	}
	if err := inst.Close(); err != nil {
		m.logger.Warn("engine close failed", "error", err)
		return err
	}
	m.logger.Info("engine unloaded")
	return nil
}

// ResetCache unloads a ready engine and deletes every persistent store.
// It refuses to run while a load is in progress.
func (m *Manager) ResetCache(ctx context.Context) (PurgeReport, error) {
	if m.Status().State == StateLoading {
		return PurgeReport{}, ErrLoadInProgress
	}
	if err := m.Unload(); err != nil {
		m.logger.Warn("unload before cache reset failed", "error", err)
	}
	return m.purge(ctx), nil
}

// purge deletes the stores one at a time. Failures are logged and
// skipped; a partial purge is still worth a retry.
func (m *Manager) purge(ctx context.Context) PurgeReport {
	var rep PurgeReport
	for _, name := range m.cache.Stores() {
		err := m.cache.Delete(ctx, name)
		switch {
		case err == nil:
			rep.Deleted = append(rep.Deleted, name)
			m.logger.Info("purged engine store", "store", name)
		case errors.Is(err, ErrDeleteBlocked):
			rep.Blocked = append(rep.Blocked, name)
			m.logger.Warn("engine store delete blocked", "store", name)
		default:
			rep.Failed = append(rep.Failed, name)
			m.logger.Error("engine store delete failed", "store", name, "error", err)
		}
	}
	m.bus.Emit(events.SourceEngine, events.KindCachePurge, map[string]any{
		"stores":  rep.Deleted,
		"blocked": rep.Blocked,
		"failed":  rep.Failed,
	})
	return rep
}

// Status returns the current state and the error of the last failed
// load, if any.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Err: m.lastErr, LoadedAt: m.loadedAt, LoadDuration: m.loadDur}
}

// Subscribe returns a stream of load progress. Slow readers miss
// reports. Call the returned function to stop.
func (m *Manager) Subscribe(buf int) (<-chan Progress, func()) {
	ch := make(chan Progress, buf)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) report(p Progress) {
	m.logger.Debug("engine progress", "phase", p.Phase, "percent", p.Percent, "text", p.Text)
	m.bus.Emit(events.SourceEngine, events.KindEngineProgress, map[string]any{
		"phase":   p.Phase,
		"percent": p.Percent,
		"text":    p.Text,
	})

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	from := m.transitionLocked(s, err)
	m.mu.Unlock()
	m.emitState(from, s, err)
}

// transitionLocked moves to s and returns the previous state. m.mu must
// be held.
func (m *Manager) transitionLocked(s State, err error) State {
	from := m.state
	m.state = s
	m.lastErr = err
	if s != StateReady {
		m.loadedAt = time.Time{}
		m.loadDur = 0
	}
	return from
}

func (m *Manager) emitState(from, to State, err error) {
	if from == to {
		return
	}
	data := map[string]any{"from": from.String(), "to": to.String()}
	if err != nil {
		data["error"] = err.Error()
	}
	m.bus.Emit(events.SourceEngine, events.KindEngineState, data)
}
