// Package supervisor keeps long-lived transport loops running, restarting
// them when their background goroutines die.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultHealthInterval = time.Second
	defaultWarmup         = 3 * time.Second
)

// Runner starts its background units and returns without blocking.
type Runner interface {
	Run() error
}

// Shutdowner is implemented by runners that can unblock their own loops.
type Shutdowner interface {
	Shutdown()
}

// Exiter is implemented by runners that can stop voluntarily. A runner that
// reports Exited is not restarted.
type Exiter interface {
	Exited() bool
}

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
	StateRestarting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting_down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var ErrDuplicateRunner = errors.New("runner already registered")

// RunnerOption customises the supervision policy of one runner.
type RunnerOption func(*ManagedRunner)

// WithMaxRestartAttempts caps restarts; a negative value means unlimited.
func WithMaxRestartAttempts(n int) RunnerOption {
	return func(r *ManagedRunner) { r.maxRestartAttempts = n }
}

// WithUnitPatterns lists substrings that must each match a live unit name.
func WithUnitPatterns(patterns ...string) RunnerOption {
	return func(r *ManagedRunner) { r.patterns = append(r.patterns, patterns...) }
}

// ManagedRunner is the supervision state of a single runner.
type ManagedRunner struct {
	name               string
	runner             Runner
	restartDelay       time.Duration
	maxRestartAttempts int
	patterns           []string

	mu           sync.Mutex
	state        State
	restartCount int
	startupTime  time.Time
	runErr       error
}

// RunnerStatus is a snapshot of a ManagedRunner.
type RunnerStatus struct {
	Name               string    `json:"name"`
	State              State     `json:"state"`
	RestartCount       int       `json:"restart_count"`
	MaxRestartAttempts int       `json:"max_restart_attempts"`
	UnitPatterns       []string  `json:"unit_patterns"`
	StartupTime        time.Time `json:"startup_time"`
	LastError          string    `json:"last_error,omitempty"`
}

func (r *ManagedRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *ManagedRunner) status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunnerStatus{
		Name:               r.name,
		State:              r.state,
		RestartCount:       r.restartCount,
		MaxRestartAttempts: r.maxRestartAttempts,
		UnitPatterns:       append([]string(nil), r.patterns...),
		StartupTime:        r.startupTime,
	}
	if r.runErr != nil {
		st.LastError = r.runErr.Error()
	}
	return st
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = logger }
}

// WithHealthInterval sets how often runner health is checked.
func WithHealthInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthInterval = d }
}

// WithWarmup sets the grace period after a (re)start during which health is not checked.
func WithWarmup(d time.Duration) ManagerOption {
	return func(m *Manager) { m.warmup = d }
}

// Manager supervises registered runners.
type Manager struct {
	log            *slog.Logger
	units          *Units
	healthInterval time.Duration
	warmup         time.Duration

	mu      sync.Mutex
	runners []*ManagedRunner

	// restartMu orders restarts against the close of stopChan.
	restartMu sync.RWMutex
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewManager(units *Units, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:            slog.Default(),
		units:          units,
		healthInterval: defaultHealthInterval,
		warmup:         defaultWarmup,
		stopChan:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "supervisor")
	return m
}

// RegisterRunner records the supervision policy for r. Nothing is started.
func (m *Manager) RegisterRunner(name string, r Runner, restartDelay time.Duration, opts ...RunnerOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runners {
		if existing.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateRunner, name)
		}
	}
	mr := &ManagedRunner{
		name:               name,
		runner:             r,
		restartDelay:       restartDelay,
		maxRestartAttempts: -1,
	}
	for _, opt := range opts {
		opt(mr)
	}
	m.runners = append(m.runners, mr)
	return nil
}

// StartAll runs every registered runner and starts one monitor per runner.
func (m *Manager) StartAll() {
	m.mu.Lock()
	runners := append([]*ManagedRunner(nil), m.runners...)
	m.mu.Unlock()

	for _, r := range runners {
		m.start(r)
		m.wg.Add(1)
		go m.monitor(r)
	}
}

func (m *Manager) start(r *ManagedRunner) {
	r.mu.Lock()
	r.state = StateStarting
	r.startupTime = time.Now()
	r.mu.Unlock()

	m.log.Info("starting runner", "runner", r.name)
	err := safeRun(r.runner)

	r.mu.Lock()
	r.runErr = err
	r.state = StateRunning
	r.mu.Unlock()
	if err != nil {
		m.log.Error("runner failed to start", "runner", r.name, "error", err)
	}
}

func safeRun(r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
		}
	}()
	return r.Run()
}

func (m *Manager) monitor(r *ManagedRunner) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		startedAt, runErr := r.startupTime, r.runErr
		r.mu.Unlock()
		if time.Since(startedAt) < m.warmup {
			continue
		}

		if ex, ok := r.runner.(Exiter); ok && ex.Exited() {
			m.log.Info("runner exited", "runner", r.name)
			r.setState(StateStopped)
			return
		}

		reason := m.unhealthyReason(r, runErr)
		if reason == "" {
			continue
		}
		r.setState(StateCrashed)
		m.log.Warn("runner unhealthy", "runner", r.name, "reason", reason)

		r.mu.Lock()
		count, limit := r.restartCount, r.maxRestartAttempts
		r.mu.Unlock()
		if limit >= 0 && count >= limit {
			m.log.Error("runner exceeded max restart attempts, giving up", "runner", r.name, "attempts", count)
			r.setState(StateStopped)
			return
		}

		r.setState(StateRestarting)
		timer := time.NewTimer(r.restartDelay)
		select {
		case <-m.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !m.restart(r) {
			return
		}
	}
}

// restart starts r again unless ShutdownAll has begun.
func (m *Manager) restart(r *ManagedRunner) bool {
	m.restartMu.RLock()
	defer m.restartMu.RUnlock()
	select {
	case <-m.stopChan:
		return false
	default:
	}

	r.mu.Lock()
	r.restartCount++
	attempt := r.restartCount
	r.mu.Unlock()
	m.log.Info("restarting runner", "runner", r.name, "attempt", attempt)
	m.start(r)
	return true
}

func (m *Manager) unhealthyReason(r *ManagedRunner, runErr error) string {
	if runErr != nil {
		return "run failed: " + runErr.Error()
	}
	for _, pattern := range r.patterns {
		if !m.units.Matches(pattern) {
			return fmt.Sprintf("no live unit matching %q", pattern)
		}
	}
	return ""
}

// ShutdownAll stops supervision, interrupting pending restart delays, and
// shuts down every runner.
func (m *Manager) ShutdownAll() {
	m.restartMu.Lock()
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.restartMu.Unlock()

	m.mu.Lock()
	runners := append([]*ManagedRunner(nil), m.runners...)
	m.mu.Unlock()

	for _, r := range runners {
		r.setState(StateShuttingDown)
		if s, ok := r.runner.(Shutdowner); ok {
			m.log.Info("shutting down runner", "runner", r.name)
			safeShutdown(m.log, r.name, s)
		}
	}
	m.wg.Wait()
	for _, r := range runners {
		r.setState(StateStopped)
	}
}

func safeShutdown(log *slog.Logger, name string, s Shutdowner) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("runner shutdown panicked", "runner", name, "panic", p)
		}
	}()
	s.Shutdown()
}

// Stopping is closed once ShutdownAll has been called.
func (m *Manager) Stopping() <-chan struct{} {
	return m.stopChan
}

func (m *Manager) Status() []RunnerStatus {
	m.mu.Lock()
	runners := append([]*ManagedRunner(nil), m.runners...)
	m.mu.Unlock()

	out := make([]RunnerStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.status())
	}
	return out
}
