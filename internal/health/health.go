// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/units"
)

// DefaultTimeout bounds a single checker when the registry has no override.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-checker deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results, in
// registration order. A checker that overruns its deadline is unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, nc, timeout)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	select {
	case s := <-done:
		if s.Name == "" {
			s.Name = nc.name
		}
		return s
	case <-ctx.Done():
		return Status{Name: nc.name, Healthy: false, Detail: "timed out"}
	}
}

// Database pings the connection pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		st := db.Stats()
		return Status{Name: "database", Healthy: true,
			Detail: fmt.Sprintf("open=%d in_use=%d", st.OpenConnections, st.InUse)}
	}
}

// Ledger is the part of the escrow service the solvency check reads.
type Ledger interface {
	CustodialBalance(ctx context.Context) (uint64, error)
	Stats(ctx context.Context) (escrow.Stats, error)
}

// Solvency reports unhealthy when custody holds less than the open
// escrows owe, or when the token backend cannot be read.
func Solvency(l Ledger) Checker {
	return func(ctx context.Context) Status {
		balance, err := l.CustodialBalance(ctx)
		if err != nil {
			return Status{Name: "solvency", Detail: "custody balance: " + err.Error()}
		}
		st, err := l.Stats(ctx)
		if err != nil {
			return Status{Name: "solvency", Detail: "stats: " + err.Error()}
		}
		detail := fmt.Sprintf("custody=%s locked=%s", units.Format(balance), units.Format(st.LockedUnits))
		return Status{Name: "solvency", Healthy: balance >= st.LockedUnits, Detail: detail}
	}
}
