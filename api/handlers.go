package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/example/netguard/config"
	"github.com/example/netguard/exporter"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/ranges"
	"github.com/example/netguard/store"
)

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	return strconv.ParseInt(raw, 10, 64)
}

type providerRequest struct {
	Name    string `json:"name"`
	APIURL  string `json:"api_url"`
	LogoURL string `json:"logo_url"`
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	p := &store.Provider{Name: req.Name, APIURL: req.APIURL, LogoURL: req.LogoURL}
	if err := s.Store.CreateProvider(r.Context(), p); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.Store.Providers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if providers == nil {
		providers = []store.Provider{}
	}
	s.writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	cur, err := s.Store.Provider(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name != "" {
		cur.Name = req.Name
	}
	if req.APIURL != "" {
		cur.APIURL = req.APIURL
	}
	if req.LogoURL != "" {
		cur.LogoURL = req.LogoURL
	}
	if err := s.Store.UpdateProvider(r.Context(), cur); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cur)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.SoftDeleteProvider(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type updateRangesRequest struct {
	Source       string               `json:"source"`
	CIDRs        []string             `json:"cidrs,omitempty"`
	IPs          []string             `json:"ips,omitempty"`
	CustomRanges []ranges.CustomRange `json:"custom_ranges,omitempty"`
}

func (s *Server) handleUpdateRanges(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateRangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	source, err := store.ParseSource(req.Source)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	switch source {
	case store.SourceAPI:
		provider, err := s.Store.Provider(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.Ingestor.IngestAPI(r.Context(), provider); err != nil {
			if errors.Is(err, ranges.ErrUnsupportedProvider) {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
			s.writeError(w, http.StatusBadGateway, err)
			return
		}
	case store.SourceCIDRs:
		err = s.Ingestor.IngestCIDRs(r.Context(), id, req.CIDRs)
	case store.SourceSingle:
		err = s.Ingestor.IngestSingle(r.Context(), id, req.IPs)
	case store.SourceCustom:
		err = s.Ingestor.IngestCustom(r.Context(), id, req.CustomRanges)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleFetchRanges(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	grouped, err := s.Ingestor.FetchRanges(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grouped)
}

func (s *Server) handleStartTesting(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Monitor.StartTesting(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "testing"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.Store.ProviderConfig(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var cfg config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.SetProviderConfig(r.Context(), id, &cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleBestIP(w http.ResponseWriter, r *http.Request) {
	best, err := s.Results.Best(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, best)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Results.TopN(r.Context(), 1000)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		err = exporter.ToCSV(rows, w)
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		err = exporter.ToJSONL(rows, w)
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("unknown export format"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleProgressNext(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.Bus.PullNext()
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no progress available"))
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

// handleProgressStream streams progress events as server-sent events until
// the client disconnects.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan pubsub.Event, 16)
	sub, err := s.Bus.Subscribe(r.Context(), pubsub.ChannelProgress, func(ev pubsub.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return
	}
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
