// Package api exposes the pipeline operations over HTTP. Handlers are a
// thin shell: decode and validate the payload, call the core, encode the
// result. Routing, auth and gateways live outside this service.
package api

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/fleet"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/report"
	"github.com/stackwatch/stackwatch/internal/scan"
	"github.com/stackwatch/stackwatch/internal/store"
	"github.com/stackwatch/stackwatch/internal/updates"
	"github.com/stackwatch/stackwatch/internal/vulns"
)

//go:embed scan_schema.json
var scanSchemaJSON []byte

// Server wires the pipeline stages behind HTTP endpoints.
type Server struct {
	registry   *fleet.Registry
	scanner    *scan.Scanner
	checker    *updates.Checker
	ingestor   *vulns.Ingestor
	aggregator *report.Aggregator
	dispatcher *notify.Dispatcher
	store      store.Store
	scanSchema *jsonschema.Schema
	logger     *slog.Logger
}

// NewServer builds the HTTP server. It compiles the scan payload schema
// once at startup.
func NewServer(registry *fleet.Registry, scanner *scan.Scanner, checker *updates.Checker, ingestor *vulns.Ingestor, aggregator *report.Aggregator, dispatcher *notify.Dispatcher, st store.Store, logger *slog.Logger) (*Server, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("scan.json", bytes.NewReader(scanSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add scan schema resource: %w", err)
	}
	schema, err := compiler.Compile("scan.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile scan schema: %w", err)
	}
	return &Server{
		registry:   registry,
		scanner:    scanner,
		checker:    checker,
		ingestor:   ingestor,
		aggregator: aggregator,
		dispatcher: dispatcher,
		store:      st,
		scanSchema: schema,
		logger:     logger,
	}, nil
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/services", s.handleCreateService).Methods(http.MethodPost)
	r.HandleFunc("/services", s.handleListServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{id}", s.handleGetService).Methods(http.MethodGet)
	r.HandleFunc("/services/{id}/scan", s.handleScanService).Methods(http.MethodPost)
	r.HandleFunc("/services/{id}/vulnerabilities", s.handleRecordVulnerability).Methods(http.MethodPost)
	r.HandleFunc("/services/{id}/components/{componentId}/vulnerability-scan", s.handleScanComponentVulnerabilities).Methods(http.MethodPost)
	r.HandleFunc("/components/{id}/check", s.handleCheckComponent).Methods(http.MethodPost)
	r.HandleFunc("/updates/check-all", s.handleCheckAll).Methods(http.MethodPost)
	r.HandleFunc("/vulnerabilities/{id}/status", s.handleVulnerabilityStatus).Methods(http.MethodPut)
	r.HandleFunc("/reports", s.handleGenerateReport).Methods(http.MethodPost)
	r.HandleFunc("/reports/{id}", s.handleGetReport).Methods(http.MethodGet)
	r.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/expired", s.handleDeleteExpired).Methods(http.MethodDelete)
	r.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		code = http.StatusBadRequest
	case errs.IsNotFound(err):
		code = http.StatusNotFound
	case errs.IsConflict(err):
		code = http.StatusConflict
	case errs.IsUpstream(err):
		code = http.StatusBadGateway
	case errs.IsStore(err):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid JSON: %v", err))
		return
	}
	svc, err := s.registry.CreateService(r.Context(), req.Name, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.registry.ListServices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"services": services, "count": len(services)})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.registry.GetService(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleScanService(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid JSON: %v", err))
		return
	}
	if err := s.scanSchema.Validate(raw); err != nil {
		s.writeError(w, errs.Validationf("body", "scan payload rejected: %v", err))
		return
	}
	// Re-encode through the typed request now that the shape is known good.
	data, _ := json.Marshal(raw)
	var req struct {
		Components []scan.DiscoveredComponent `json:"components"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid scan payload: %v", err))
		return
	}
	res, err := s.scanner.ScanService(r.Context(), mux.Vars(r)["id"], req.Components)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordVulnerability(w http.ResponseWriter, r *http.Request) {
	var flat struct {
		ComponentID      string         `json:"component_id"`
		CVEID            string         `json:"cve_id"`
		Title            string         `json:"title"`
		Description      string         `json:"description"`
		Severity         model.Severity `json:"severity"`
		AffectedVersions []string       `json:"affected_versions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&flat); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid JSON: %v", err))
		return
	}
	res, err := s.ingestor.RecordVulnerability(r.Context(), mux.Vars(r)["id"], flat.ComponentID, vulns.Record{
		CVEID:            flat.CVEID,
		Title:            flat.Title,
		Description:      flat.Description,
		Severity:         flat.Severity,
		AffectedVersions: flat.AffectedVersions,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScanComponentVulnerabilities(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.ingestor.ScanComponentVulnerabilities(r.Context(), vars["id"], vars["componentId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckComponent(w http.ResponseWriter, r *http.Request) {
	res, err := s.checker.CheckComponentUpdate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.checker.CheckAllUpdates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVulnerabilityStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.VulnStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid JSON: %v", err))
		return
	}
	if err := s.ingestor.UpdateVulnerabilityStatus(r.Context(), mux.Vars(r)["id"], req.Status); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title      string   `json:"title"`
		ServiceIDs []string `json:"service_ids"`
		Format     string   `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid JSON: %v", err))
		return
	}
	rep, err := s.aggregator.Generate(r.Context(), req.Title, req.ServiceIDs, req.Format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.aggregator.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	f := store.NotificationFilter{
		ServiceID:  r.URL.Query().Get("service_id"),
		Type:       model.NotificationType(r.URL.Query().Get("type")),
		UnreadOnly: r.URL.Query().Get("unread") == "true",
	}
	notifications, err := s.store.ListNotifications(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkNotificationRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

func (s *Server) handleDeleteExpired(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.DeleteExpiredNotifications(r.Context(), time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string                          `json:"name"`
		Email       string                          `json:"email"`
		Role        model.Role                      `json:"role"`
		Preferences map[model.NotificationType]bool `json:"preferences"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("body", "invalid JSON: %v", err))
		return
	}
	u, err := s.registry.CreateUser(r.Context(), req.Name, req.Email, req.Role, req.Preferences)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
