package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/iota-uz/iota-ingest/pkg/queue"
)

type healthStatus string

const (
	healthStatusHealthy  healthStatus = "healthy"
	healthStatusDegraded healthStatus = "degraded"
	healthStatusDown     healthStatus = "down"
)

const (
	backlogDegradedThreshold = int64(1000)
	checkTimeout             = 5 * time.Second
)

type healthResponse struct {
	Status    healthStatus   `json:"status"`
	Timestamp string         `json:"timestamp"`
	Checks    map[string]any `json:"checks"`
}

type componentHealth struct {
	Status       healthStatus   `json:"status"`
	ResponseTime string         `json:"responseTime,omitempty"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Pinger is a dependency probe, e.g. the document store or the ledger.
type Pinger func(ctx context.Context) error

type HealthController struct {
	inspector queue.Inspector
	queues    []string
	pingers   map[string]Pinger
	now       func() time.Time
}

func NewHealthController(inspector queue.Inspector, queues []string, pingers map[string]Pinger) *HealthController {
	return &HealthController{
		inspector: inspector,
		queues:    queues,
		pingers:   pingers,
		now:       time.Now,
	}
}

func (c *HealthController) Key() string {
	return "/health"
}

func (c *HealthController) Register(r *mux.Router) {
	r.HandleFunc("/health", c.Health).Methods(http.MethodGet)
}

func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	resp := c.check(r.Context())
	status := http.StatusOK
	if resp.Status == healthStatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (c *HealthController) check(ctx context.Context) healthResponse {
	checks := make(map[string]any, len(c.queues)+len(c.pingers))
	overall := healthStatusHealthy

	for _, q := range c.queues {
		h := c.checkQueue(ctx, q)
		checks["queue:"+q] = h
		overall = mergeHealthStatus(overall, h.Status)
	}

	names := make([]string, 0, len(c.pingers))
	for name := range c.pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := ping(ctx, c.pingers[name])
		checks[name] = h
		overall = mergeHealthStatus(overall, h.Status)
	}

	return healthResponse{
		Status:    overall,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

func (c *HealthController) checkQueue(ctx context.Context, name string) componentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	d, err := c.inspector.Depth(ctx, name, c.now())
	elapsed := time.Since(start)
	if err != nil {
		return componentHealth{Status: healthStatusDown, ResponseTime: elapsed.String(), Error: err.Error()}
	}
	status := healthStatusHealthy
	if d.Dead > 0 || d.Waiting+d.Delayed > backlogDegradedThreshold {
		status = healthStatusDegraded
	}
	return componentHealth{
		Status:       status,
		ResponseTime: elapsed.String(),
		Details: map[string]any{
			"waiting": d.Waiting,
			"delayed": d.Delayed,
			"active":  d.Active,
			"dead":    d.Dead,
		},
	}
}

func ping(ctx context.Context, p Pinger) componentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := p(ctx); err != nil {
		return componentHealth{Status: healthStatusDown, ResponseTime: time.Since(start).String(), Error: err.Error()}
	}
	return componentHealth{Status: healthStatusHealthy, ResponseTime: time.Since(start).String()}
}

func mergeHealthStatus(current, next healthStatus) healthStatus {
	if next == healthStatusDown {
		return healthStatusDown
	}
	if next == healthStatusDegraded && current == healthStatusHealthy {
		return healthStatusDegraded
	}
	return current
}
