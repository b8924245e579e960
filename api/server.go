package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/netguard/monitor"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/ranges"
	"github.com/example/netguard/results"
	"github.com/example/netguard/store"
)

// Server exposes the inbound command surface over HTTP.
type Server struct {
	Store    store.Store
	Ingestor *ranges.Ingestor
	Monitor  *monitor.Monitor
	Results  *results.Store
	Bus      *pubsub.Bus
	Logger   log.Logger
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/providers", s.handleCreateProvider).Methods(http.MethodPost)
	r.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers/{id:[0-9]+}", s.handleUpdateProvider).Methods(http.MethodPut)
	r.HandleFunc("/providers/{id:[0-9]+}", s.handleDeleteProvider).Methods(http.MethodDelete)
	r.HandleFunc("/providers/{id:[0-9]+}/ranges", s.handleUpdateRanges).Methods(http.MethodPut)
	r.HandleFunc("/providers/{id:[0-9]+}/ranges", s.handleFetchRanges).Methods(http.MethodGet)
	r.HandleFunc("/providers/{id:[0-9]+}/test", s.handleStartTesting).Methods(http.MethodPost)
	r.HandleFunc("/providers/{id:[0-9]+}/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/providers/{id:[0-9]+}/config", s.handleSetConfig).Methods(http.MethodPut)
	r.HandleFunc("/best", s.handleBestIP).Methods(http.MethodGet)
	r.HandleFunc("/results/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/progress/next", s.handleProgressNext).Methods(http.MethodGet)
	r.HandleFunc("/progress/stream", s.handleProgressStream).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		level.Warn(s.Logger).Log("msg", "write response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
