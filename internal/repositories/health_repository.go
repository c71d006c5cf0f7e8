package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

const defaultCheckTimeout = 1500 * time.Millisecond

// DependencyCheck checks one backing service. Failing a critical check marks the whole
// report as error; optional checks (cache, broker, invoicing) only degrade it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

// HealthOption customises the check-backed health repository.
type HealthOption func(*dependencyHealthRepository)

// WithCheckTimeout overrides the timeout used by checks without their own.
func WithCheckTimeout(timeout time.Duration) HealthOption {
	return func(repo *dependencyHealthRepository) {
		if timeout > 0 {
			repo.timeout = timeout
		}
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	deps    []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository validates the check set up front so Collect never sees a malformed check.
func NewDependencyHealthRepository(deps []DependencyCheck, opts ...HealthOption) (HealthRepository, error) {
	if len(deps) == 0 {
		return nil, errors.New("health repository: at least one check is required")
	}
	seen := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		name := strings.TrimSpace(dep.Name)
		if name == "" {
			return nil, errors.New("health repository: check name is required")
		}
		if dep.Check == nil {
			return nil, fmt.Errorf("health repository: check %s has no function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health repository: duplicate check %s", name)
		}
		seen[name] = struct{}{}
	}

	repo := &dependencyHealthRepository{
		deps:    append([]DependencyCheck(nil), deps...),
		timeout: defaultCheckTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make(map[string]domain.SystemHealthCheck, len(r.deps))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, dep := range r.deps {
		wg.Add(1)
		go func(dep DependencyCheck) {
			defer wg.Done()
			check := r.run(ctx, dep)
			mu.Lock()
			results[dep.Name] = check
			mu.Unlock()
		}(dep)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, dep := range r.deps {
		switch results[dep.Name].Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}

	return domain.SystemHealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *dependencyHealthRepository) run(ctx context.Context, dep DependencyCheck) domain.SystemHealthCheck {
	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := dep.Check(checkCtx)
	if err == nil && checkCtx.Err() != nil {
		err = checkCtx.Err()
	}
	end := r.now()

	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil {
		return check
	}

	check.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		check.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		check.Detail = "cancelled"
	default:
		check.Detail = err.Error()
	}
	if dep.Critical {
		check.Status = domain.HealthStatusError
	} else {
		check.Status = domain.HealthStatusDegraded
	}
	return check
}
