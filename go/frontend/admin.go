package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.skia.org/genhook/go/extract"
	"go.skia.org/genhook/go/payloadlog"
	"go.skia.org/genhook/go/render"
	"go.skia.org/genhook/go/token"
	"go.skia.org/genhook/go/webhookconf"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
)

// statusForError maps a store or validation failure to the HTTP status the
// admin API reports it with.
func statusForError(err error) int {
	root := skerr.Unwrap(err)
	switch {
	case errors.Is(root, webhookconf.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(root, webhookconf.ErrTokenCollision):
		return http.StatusConflict
	case errors.Is(root, webhookconf.ErrBadConfig),
		errors.Is(root, extract.ErrBadPattern),
		errors.Is(root, render.ErrBadTemplate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type configListResponse struct {
	Configurations map[string]webhookconf.Record `json:"configurations"`
	TotalCount     int                           `json:"total_count"`
}

func (srv *Server) listConfigsHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := srv.store.List(r.Context())
	if err != nil {
		httputils.ReportError(w, err, "Failed to read webhook configurations.", http.StatusInternalServerError)
		return
	}
	resp := configListResponse{
		Configurations: make(map[string]webhookconf.Record, len(recs)),
		TotalCount:     len(recs),
	}
	for _, rec := range recs {
		resp.Configurations[rec.Key()] = rec
	}
	srv.sendJSON(w, http.StatusOK, resp)
}

func (srv *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	service := strings.ToLower(chi.URLParam(r, "service"))
	rec, err := srv.store.Resolve(r.Context(), service, chi.URLParam(r, "token"))
	if err != nil {
		httputils.ReportError(w, err, "Failed to look up webhook configuration.", statusForError(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, rec)
}

type saveConfigRequest struct {
	Service   string `json:"service"`
	Token     string `json:"token"`
	Alignment string `json:"alignment"`
	Fields    string `json:"fields"`
	Template  string `json:"template"`
}

type saveConfigResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Token      string `json:"token"`
	ConfigLine string `json:"config_line"`
}

// saveConfigHandler creates a configuration when the request carries no
// token, and updates the existing record when it does.
func (srv *Server) saveConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req saveConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Failed to decode request.", http.StatusBadRequest)
		return
	}
	service := strings.ToLower(strings.TrimSpace(req.Service))
	tok := strings.TrimSpace(req.Token)

	var rec webhookconf.Record
	if tok == "" {
		minted, err := token.Mint(func(t string) bool {
			return srv.store.TokenInUse(r.Context(), t)
		})
		if err != nil {
			httputils.ReportError(w, err, "Failed to mint a webhook token.", http.StatusInternalServerError)
			return
		}
		rec = webhookconf.Record{
			Service:   service,
			Token:     minted,
			Alignment: strings.TrimSpace(req.Alignment),
			Fields:    strings.TrimSpace(req.Fields),
			Template:  req.Template,
		}
		if err := srv.store.Create(r.Context(), rec); err != nil {
			httputils.ReportError(w, err, "Failed to save webhook configuration.", statusForError(err))
			return
		}
	} else {
		var err error
		rec, err = srv.store.Update(r.Context(), service, tok, strings.TrimSpace(req.Alignment), strings.TrimSpace(req.Fields), req.Template)
		if err != nil {
			httputils.ReportError(w, err, "Failed to update webhook configuration.", statusForError(err))
			return
		}
	}
	srv.sendJSON(w, http.StatusOK, saveConfigResponse{
		Status:     statusSuccess,
		Service:    rec.Service,
		Token:      rec.Token,
		ConfigLine: rec.Line(),
	})
}

type statusMessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// deleteConfigHandler removes a configuration. When the last record for a
// service goes, its payload logs go with it.
func (srv *Server) deleteConfigHandler(w http.ResponseWriter, r *http.Request) {
	service := strings.ToLower(chi.URLParam(r, "service"))
	lastOfService, err := srv.store.Delete(r.Context(), service, chi.URLParam(r, "token"))
	if err != nil {
		httputils.ReportError(w, err, "Failed to delete webhook configuration.", statusForError(err))
		return
	}
	if lastOfService {
		if err := srv.plog.Remove(r.Context(), service); err != nil {
			sklog.Warningf("Removing payload logs for deleted service %s: %s", service, err)
		}
	}
	srv.sendJSON(w, http.StatusOK, statusMessageResponse{
		Status:  statusSuccess,
		Message: fmt.Sprintf("Configuration for %s deleted", service),
	})
}

type analyzePayloadRequest struct {
	Payload     json.RawMessage `json:"payload"`
	WebhookType string          `json:"webhook_type"`
}

type analyzePayloadResponse struct {
	Success      bool            `json:"success"`
	WebhookType  string          `json:"webhook_type,omitempty"`
	TotalFields  int             `json:"total_fields"`
	Fields       []AnalyzedField `json:"fields"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// analyzePayloadHandler discovers extractable leaf fields in a sample
// payload so the UI can offer them as pattern suggestions.
func (srv *Server) analyzePayloadHandler(w http.ResponseWriter, r *http.Request) {
	var req analyzePayloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Failed to decode request.", http.StatusBadRequest)
		return
	}
	var payload map[string]interface{}
	err := json.Unmarshal(req.Payload, &payload)
	if err == nil && payload == nil {
		// JSON null decodes into a nil map without error.
		err = skerr.Fmt("payload is null")
	}
	if err != nil {
		httputils.ReportError(w, err, "Payload must be a JSON object.", http.StatusBadRequest)
		return
	}
	fields := AnalyzePayload(payload)
	srv.sendJSON(w, http.StatusOK, analyzePayloadResponse{
		Success:     true,
		WebhookType: req.WebhookType,
		TotalFields: len(fields),
		Fields:      fields,
	})
}

type testConfigRequest struct {
	Fields   string          `json:"fields"`
	Template string          `json:"template"`
	Payload  json.RawMessage `json:"payload"`
}

type testConfigResponse struct {
	Success          bool           `json:"success"`
	ExtractedFields  extract.Values `json:"extracted_fields"`
	GeneratedMessage string         `json:"generated_message"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// testConfigHandler dry-runs a configuration against a sample payload.
// Nothing is persisted and nothing is sent downstream; extraction and
// rendering failures come back in the body with a 200 so the UI can show
// them inline.
func (srv *Server) testConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req testConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Failed to decode request.", http.StatusBadRequest)
		return
	}
	var payload interface{}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		httputils.ReportError(w, err, "Payload must be valid JSON.", http.StatusBadRequest)
		return
	}

	start := time.Now()
	values, err := extract.Extract(payload, req.Fields)
	var rendered string
	if err == nil {
		rendered, err = render.Render(req.Template, values)
	}
	elapsedMS := float64(time.Since(start).Nanoseconds()) / 1e6

	resp := testConfigResponse{
		Success:          err == nil,
		ExtractedFields:  values,
		GeneratedMessage: rendered,
		ProcessingTimeMS: elapsedMS,
	}
	if err != nil {
		resp.ErrorMessage = err.Error()
	}
	srv.sendJSON(w, http.StatusOK, resp)
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (srv *Server) generateTokenHandler(w http.ResponseWriter, r *http.Request) {
	t, err := token.Mint(func(t string) bool {
		return srv.store.TokenInUse(r.Context(), t)
	})
	if err != nil {
		httputils.ReportError(w, err, "Failed to mint a webhook token.", http.StatusInternalServerError)
		return
	}
	srv.sendJSON(w, http.StatusOK, tokenResponse{Token: t})
}

type logTypesResponse struct {
	Types []string `json:"types"`
}

func (srv *Server) logTypesHandler(w http.ResponseWriter, r *http.Request) {
	services, err := srv.plog.Services(r.Context())
	if err != nil {
		httputils.ReportError(w, err, "Failed to list payload logs.", http.StatusInternalServerError)
		return
	}
	if services == nil {
		services = []string{}
	}
	srv.sendJSON(w, http.StatusOK, logTypesResponse{Types: services})
}

type recentLogsResponse struct {
	Entries []payloadlog.Entry `json:"entries"`
}

func (srv *Server) recentLogsHandler(w http.ResponseWriter, r *http.Request) {
	service := strings.ToLower(chi.URLParam(r, "service"))
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		var err error
		limit, err = strconv.Atoi(q)
		if err != nil {
			httputils.ReportError(w, err, "Invalid limit.", http.StatusBadRequest)
			return
		}
	}
	entries, err := srv.plog.Recent(r.Context(), service, limit)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read payload logs.", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []payloadlog.Entry{}
	}
	srv.sendJSON(w, http.StatusOK, recentLogsResponse{Entries: entries})
}
