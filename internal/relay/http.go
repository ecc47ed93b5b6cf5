package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/web"
)

// Stats is the relay state shown on the dashboard and /api/state.
type Stats struct {
	Instance      string  `json:"instance"`
	Ready         bool    `json:"ready"`
	Services      []Entry `json:"services"`
	ActiveTunnels int64   `json:"active_tunnels"`
	TotalTunnels  int64   `json:"total_tunnels"`
	Queries       int64   `json:"queries"`
	Rejected      int64   `json:"rejected"`
	Now           string  `json:"now"`
}

func (s *Server) collectStats(ctx context.Context) Stats {
	st := Stats{
		Instance:      s.instance,
		Ready:         s.Ready(),
		ActiveTunnels: s.activeTunnels.Load(),
		TotalTunnels:  s.totalTunnels.Load(),
		Queries:       s.queries.Load(),
		Rejected:      s.rejected.Load(),
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
	services, err := s.dir.List(ctx)
	if err != nil {
		obs.Error("stats.directory", obs.Fields{"err": err.Error()})
	}
	st.Services = services
	return st
}

// ToTemplateMap returns a map suited for html/template rendering.
func (st Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Instance": st.Instance,
		"Ready":    st.Ready,
		"Services": st.Services,
		"Active":   st.ActiveTunnels,
		"Total":    st.TotalTunnels,
		"Queries":  st.Queries,
		"Rejected": st.Rejected,
	}
}

// Handler serves Prometheus metrics plus health, dashboard and state endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := s.collectStats(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := s.collectStats(r.Context())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("dashboard unavailable"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
