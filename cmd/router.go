package main

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/node-gateway/internal/metrics"
	"github.com/angeloszaimis/node-gateway/internal/pool"
)

type memberStatus struct {
	Address           string `json:"address"`
	State             string `json:"state"`
	ActiveConnections int    `json:"active_connections"`
	MaxConnections    int    `json:"max_connections"`
}

type poolStatus struct {
	ID      string         `json:"id"`
	Healthy int            `json:"healthy"`
	Members []memberStatus `json:"members"`
}

func setupRouter(metricsCollector *metrics.Collector, registry *pool.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", metricsCollector.Handler())
	mux.Handle("/metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("/pools", poolsHandler(registry))

	return mux
}

func poolsHandler(registry *pool.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pools := registry.All()
		out := make([]poolStatus, 0, len(pools))
		for _, p := range pools {
			ps := poolStatus{ID: p.ID(), Healthy: p.Healthy()}
			for _, b := range p.Backends() {
				ps.Members = append(ps.Members, memberStatus{
					Address:           b.Address(),
					State:             b.State().String(),
					ActiveConnections: b.ActiveConnections(),
					MaxConnections:    b.MaxConnections(),
				})
			}
			out = append(out, ps)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
