// Package ops serves the worker's operational endpoints: liveness, readiness
// and prometheus metrics.
package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/redis/go-redis/v9"

	"identra.org/internal/obs"
)

// SyncHealth is implemented by the revocation cache.
type SyncHealth interface {
	Healthy() bool
}

// ReadyProbe checks every dependency the worker needs to make progress.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
	Sync  SyncHealth
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type API struct {
	mux     *http.ServeMux
	probe   ReadyProbe
	version string
}

func New(probe ReadyProbe, version string) *API {
	a := &API{
		mux:     http.NewServeMux(),
		probe:   probe,
		version: version,
	}
	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.readyz)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

func (a *API) Handler() http.Handler { return a.mux }

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "identra-worker",
		"version": a.version,
	})
}

// readyz fails when a dependency is unreachable. A degraded revocation sync
// is reported but does not flip readiness; the cache fails open by design.
func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	body := map[string]any{"status": "ready"}
	if a.probe.Sync != nil && !a.probe.Sync.Healthy() {
		body["revocation_sync"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
