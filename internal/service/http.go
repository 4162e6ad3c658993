package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ferric/internal/pipeline"
)

// startHTTP brings up the ingest listener and, when configured, the metrics
// listener. The ingest surface is a collaborator interface for discovery
// agents and tooling, not a versioned public API.
func (s *Service) startHTTP() error {
	ingest, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.ingestSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ingestSrv.Serve(ingest); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ingest listener failed", "error", err)
		}
	}()

	if s.cfg.Metrics != nil && s.cfg.Metrics.Listen != "" {
		ml, err := net.Listen("tcp", s.cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsSrv.Serve(ml); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}
	return nil
}

// Handler builds the ingest mux. Exposed for tests.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/continue", s.handleContinue)
	mux.HandleFunc("POST /v1/introspection/{node}", s.handleStart)
	mux.HandleFunc("GET /v1/introspection/{node}", s.handleGet)
	mux.HandleFunc("GET /v1/introspection", s.handleList)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	return mux
}

// handleContinue receives posted hardware facts from a discovery agent.
func (s *Service) handleContinue(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res := s.Submit(payload)
	if res.Outcome != pipeline.OutcomeFinished {
		status := errorStatus(res.Err)
		writeJSON(w, status, map[string]any{
			"outcome":   res.Outcome,
			"node":      res.NodeID,
			"error":     res.Err.Error(),
			"retryable": res.Retryable(),
		})
		return
	}

	body := map[string]any{"outcome": res.Outcome, "node": res.NodeID}
	if res.Diagnostic != "" {
		body["diagnostic"] = res.Diagnostic
	}
	writeJSON(w, http.StatusOK, body)
}

type startRequest struct {
	MACs       []string `json:"macs"`
	BMCAddress string   `json:"bmc_address,omitempty"`
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	rec, err := s.StartIntrospection(r.PathValue("node"), req.MACs, req.BMCAddress)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.GetRecord(r.PathValue("node"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ListRecords()
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	applied, degraded := s.FilterStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"filter": map[string]any{
			"backend":   s.driver.Name(),
			"whitelist": applied,
			"degraded":  degraded,
		},
		"tasks": s.Tasks(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
