// Package health evaluates dependency state and serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the service is serving but ingestion is impaired.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	StorageHealthy bool
	// CredentialBackendHealthy is false when the shared pool backend cannot be reached.
	CredentialBackendHealthy bool
	// CredentialsAvailable is false when the pool holds no tokens.
	CredentialsAvailable bool
	SchedulerRunning     bool
	// SchedulerHealthy is false after repeated failed cycles.
	SchedulerHealthy bool
	// GitHubHealthy is false when the last cycle could not list any repository.
	GitHubHealthy bool

	LastSuccess         time.Time
	ConsecutiveFailures int
}

// Status represents evaluated application health.
type Status struct {
	Mode                Mode            `json:"mode"`
	Ready               bool            `json:"ready"`
	Components          map[string]bool `json:"components"`
	LastSuccess         *time.Time      `json:"last_success,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state. Readiness depends only on
// what the read side needs; ingestion problems degrade the mode.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		"storage":            input.StorageHealthy,
		"credential_backend": input.CredentialBackendHealthy,
		"credentials":        input.CredentialsAvailable,
		"scheduler":          input.SchedulerRunning && input.SchedulerHealthy,
		"github":             input.GitHubHealthy,
	}

	ready := input.StorageHealthy && input.CredentialBackendHealthy && input.SchedulerRunning

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if !input.CredentialsAvailable || !input.SchedulerHealthy || !input.GitHubHealthy {
		mode = ModeDegraded
	}

	status := Status{
		Mode:                mode,
		Ready:               ready,
		Components:          components,
		ConsecutiveFailures: input.ConsecutiveFailures,
	}
	if !input.LastSuccess.IsZero() {
		lastSuccess := input.LastSuccess.UTC()
		status.LastSuccess = &lastSuccess
	}
	return status
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
