package supervisor

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
)

// Units tracks named long-lived goroutines. A unit counts as alive from the
// moment Go is called until its function returns or panics.
type Units struct {
	log   *slog.Logger
	mu    sync.Mutex
	alive map[string]int
}

func NewUnits(logger *slog.Logger) *Units {
	if logger == nil {
		logger = slog.Default()
	}
	return &Units{
		log:   logger.With("component", "units"),
		alive: make(map[string]int),
	}
}

// Go runs fn in a new goroutine registered under name.
func (u *Units) Go(name string, fn func()) {
	u.mu.Lock()
	u.alive[name]++
	u.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				u.log.Error("unit panicked", "unit", name, "panic", r, "stack", string(debug.Stack()))
			}
			u.mu.Lock()
			u.alive[name]--
			if u.alive[name] <= 0 {
				delete(u.alive, name)
			}
			u.mu.Unlock()
		}()
		fn()
	}()
}

// Alive returns the sorted names of running units.
func (u *Units) Alive() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	names := make([]string, 0, len(u.alive))
	for name := range u.alive {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Matches reports whether any running unit name contains pattern.
func (u *Units) Matches(pattern string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for name := range u.alive {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}
