package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jgirmay/presenced/pkg/store"
)

// HealthStatus represents the overall system health
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Message   string                   `json:"message"`
	Services  map[string]ServiceHealth `json:"services"`
	Uptime    string                   `json:"uptime"`
}

// ServiceHealth represents health of a component
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Latency string `json:"latency_ms"`
}

// Check probes one component; a nil error means healthy
type Check func(ctx context.Context) error

// HealthChecker performs health checks on system components
type HealthChecker struct {
	timeout   time.Duration
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

// NewHealthChecker creates a new health checker. Each check is bounded by timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		timeout:   timeout,
		startTime: time.Now(),
		checks:    make(map[string]Check),
	}
}

// Register adds or replaces the check of a component
func (hc *HealthChecker) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Check performs a complete health check
func (hc *HealthChecker) Check(ctx context.Context) *HealthStatus {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hc.checks))
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceHealth, len(names)),
		Uptime:    hc.calculateUptime(),
	}

	var failing []string
	for _, name := range names {
		svc := hc.run(ctx, checks[name])
		status.Services[name] = svc
		if svc.Status != "healthy" {
			failing = append(failing, name)
		}
	}

	if len(failing) > 0 {
		status.Status = "degraded"
		status.Message = fmt.Sprintf("Unhealthy components: %v", failing)
	} else {
		status.Message = fmt.Sprintf("System operating normally with %d components", len(names))
	}
	return status
}

func (hc *HealthChecker) run(ctx context.Context, check Check) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceHealth{
			Status:  "unhealthy",
			Message: err.Error(),
			Latency: fmt.Sprintf("%d", latency.Milliseconds()),
		}
	}
	return ServiceHealth{
		Status:  "healthy",
		Message: "ok",
		Latency: fmt.Sprintf("%d", latency.Milliseconds()),
	}
}

// calculateUptime calculates system uptime as human-readable string
func (hc *HealthChecker) calculateUptime() string {
	elapsed := time.Since(hc.startTime)

	days := int(elapsed.Hours()) / 24
	hours := int(elapsed.Hours()) % 24
	minutes := int(elapsed.Minutes()) % 60
	seconds := int(elapsed.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// StoreCheck fails when any shard has no reachable replica
func StoreCheck(source store.ShardMapSource) Check {
	return func(ctx context.Context) error {
		m := source.ShardMap()
		var down []int
		for _, a := range m.Shards {
			if !m.Nodes[a.Primary] && !m.Nodes[a.Standby] {
				down = append(down, a.Shard)
			}
		}
		if len(down) > 0 {
			return fmt.Errorf("shards without a reachable replica: %v", down)
		}
		return nil
	}
}
