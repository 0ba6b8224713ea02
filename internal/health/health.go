package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	// Circuits lists services whose breaker is not closed
	Circuits map[string]string `json:"circuits,omitempty"`
}

// Probe checks one dependency
type Probe func(ctx context.Context) error

// CircuitSource reports the breaker state of every external service
type CircuitSource interface {
	States() map[string]resilience.State
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	// Probes are required dependencies; any failure marks the process unhealthy
	Probes   map[string]Probe
	Circuits CircuitSource
	Version  string
	Timeout  time.Duration
}

// Checker runs dependency probes for the ops endpoints
type Checker struct {
	probes       map[string]Probe
	circuits     CircuitSource
	version      string
	checkTimeout time.Duration
	now          func() time.Time
}

func NewChecker(cfg CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		probes:       cfg.Probes,
		circuits:     cfg.Circuits,
		version:      cfg.Version,
		checkTimeout: timeout,
		now:          time.Now,
	}
}

func (c *Checker) probe(ctx context.Context, name string, p Probe) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := p(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("component", name).Msg("Health probe failed")
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  name + " check failed",
			Duration: time.Since(start).String(),
		}
	}
	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck runs every probe in parallel (readiness). An open circuit degrades
// the result without failing it: the process still serves, the integration
// behind the circuit does not.
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  c.now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(c.probes)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, p := range c.probes {
		wg.Go(func() {
			result := c.probe(ctx, name, p)
			mu.Lock()
			response.Components[name] = result
			mu.Unlock()
		})
	}
	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		}
	}

	if c.circuits != nil {
		for service, state := range c.circuits.States() {
			if state == resilience.StateClosed {
				continue
			}
			if response.Circuits == nil {
				response.Circuits = make(map[string]string)
			}
			response.Circuits[service] = state.String()
		}
		if len(response.Circuits) > 0 && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Unhealthy returns the names of failing components in a response, sorted
func Unhealthy(resp *HealthResponse) []string {
	var names []string
	for name, comp := range resp.Components {
		if comp.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles liveness probe requests
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.checker.Check(r.Context()))
}

// ReadinessHandler handles readiness probe requests. Degraded still answers 200.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.DeepCheck(r.Context())

	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		logger.Ctx(r.Context()).Warn().Strs("components", Unhealthy(response)).Msg("Readiness check failed")
	}
	writeJSON(w, code, response)
}

// HealthHandler serves /healthz; ?deep=true runs the readiness checks
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
