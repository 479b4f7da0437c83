package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"collectorflow/logger"
)

// ErrUnknownCollector is returned by lookups for a name that was never
// registered.
var ErrUnknownCollector = errors.New("unknown collector")

// Manager owns the runtimes of one process. Runtimes are independent; the
// manager only fans lifecycle calls out to them.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	log      *logger.Entry
}

func NewManager() *Manager {
	return &Manager{
		runtimes: make(map[string]*Runtime),
		log:      logger.GetLogger().WithComponent("manager"),
	}
}

// Add registers a runtime. Names must be unique.
func (m *Manager) Add(r *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runtimes[r.Name()]; ok {
		return fmt.Errorf("collector %q already registered", r.Name())
	}
	m.runtimes[r.Name()] = r
	return nil
}

func (m *Manager) Get(name string) (*Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, name)
	}
	return r, nil
}

// List returns the runtimes sorted by name.
func (m *Manager) List() []*Runtime {
	m.mu.RLock()
	out := make([]*Runtime, 0, len(m.runtimes))
	for _, r := range m.runtimes {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Manager) StartAll() error {
	for _, r := range m.List() {
		if err := r.Start(); err != nil {
			return fmt.Errorf("start %s: %w", r.Name(), err)
		}
	}
	m.log.WithFields(logger.Fields{"collectors": len(m.runtimes)}).Info("all collectors started")
	return nil
}

// ShutdownAll drains every runtime concurrently and returns once all of them
// stopped.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	runtimes := m.List()
	errs := make([]error, len(runtimes))
	var wg sync.WaitGroup
	for i, r := range runtimes {
		wg.Add(1)
		go func(i int, r *Runtime) {
			defer wg.Done()
			if err := r.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("shutdown %s: %w", r.Name(), err)
			}
		}(i, r)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Health returns the health of every runtime, sorted by name.
func (m *Manager) Health() []Health {
	runtimes := m.List()
	out := make([]Health, 0, len(runtimes))
	for _, r := range runtimes {
		out = append(out, r.Health())
	}
	return out
}

// Healthy reports whether no runtime is unhealthy.
func (m *Manager) Healthy() bool {
	for _, h := range m.Health() {
		if h.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
