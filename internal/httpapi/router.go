// Package httpapi serves the diagnostics endpoints: health, prometheus
// metrics, the job registry, topology, pools, units and run history.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/pool"
	"clusterjobs/internal/scheduler"
	"clusterjobs/internal/storage"
	"clusterjobs/internal/unit"
	logx "clusterjobs/pkg/logx"
)

type PoolLister interface {
	Snapshots() []pool.Snapshot
}

type UnitLister interface {
	Snapshot(ctx context.Context) []unit.Status
}

// Sources are the components the router reads from. Nil fields disable
// their endpoints with 503.
type Sources struct {
	Scheduler  *scheduler.Service
	Whiteboard *scheduler.Whiteboard
	Cluster    *cluster.State
	Pools      PoolLister
	Units      UnitLister
	Store      storage.Store
}

type jobsResponse struct {
	Active bool                `json:"active"`
	Jobs   []scheduler.JobInfo `json:"jobs"`
	Parked int                 `json:"parked,omitempty"`
}

// NewRouter builds the diagnostics handler. pprof mounts the profiler
// under /debug.
func NewRouter(src Sources, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{src: src, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.health)
	r.Get("/jobs", h.jobs)
	r.Get("/jobs/running", h.running)
	r.Get("/topology", h.topology)
	r.Get("/pools", h.pools)
	r.Get("/units", h.units)
	r.Get("/runs", h.runs)

	if src.Scheduler != nil && src.Scheduler.Metrics() != nil {
		reg := src.Scheduler.Metrics().Registry()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type handlers struct {
	src Sources
	log logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) jobs(w http.ResponseWriter, r *http.Request) {
	s := h.src.Scheduler
	if s == nil {
		unavailable(w, "scheduler")
		return
	}
	jobs := s.Jobs()
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	resp := jobsResponse{Active: s.Active(), Jobs: jobs}
	if wb := h.src.Whiteboard; wb != nil {
		resp.Parked = wb.Parked()
	}
	h.writeJSON(w, resp)
}

func (h *handlers) running(w http.ResponseWriter, r *http.Request) {
	if h.src.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	out := h.src.Scheduler.Metrics().Running()
	if out == nil {
		out = []scheduler.RunningJob{}
	}
	h.writeJSON(w, out)
}

func (h *handlers) topology(w http.ResponseWriter, r *http.Request) {
	if h.src.Cluster == nil {
		unavailable(w, "cluster")
		return
	}
	h.writeJSON(w, h.src.Cluster.Snapshot())
}

func (h *handlers) pools(w http.ResponseWriter, r *http.Request) {
	if h.src.Pools == nil {
		unavailable(w, "pools")
		return
	}
	h.writeJSON(w, h.src.Pools.Snapshots())
}

func (h *handlers) units(w http.ResponseWriter, r *http.Request) {
	if h.src.Units == nil {
		unavailable(w, "units")
		return
	}
	h.writeJSON(w, h.src.Units.Snapshot(r.Context()))
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request) {
	if h.src.Store == nil {
		unavailable(w, "storage")
		return
	}
	q := storage.Query{Job: r.URL.Query().Get("job")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	runs, err := h.src.Store.RecentRuns(r.Context(), q)
	if err != nil {
		h.log.Warn("recent runs query failed", logx.Err(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	h.writeJSON(w, runs)
}

func (h *handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.log.Debug("write response failed", logx.Err(err))
	}
}

func unavailable(w http.ResponseWriter, what string) {
	http.Error(w, what+" not available", http.StatusServiceUnavailable)
}
