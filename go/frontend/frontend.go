// Package frontend hosts the webhook gateway's HTTP surface: the
// ingestion route webhook senders POST to, the admin API the
// configuration UI consumes, and the health check.
package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.skia.org/genhook/go/config"
	"go.skia.org/genhook/go/extract"
	"go.skia.org/genhook/go/payloadlog"
	"go.skia.org/genhook/go/render"
	"go.skia.org/genhook/go/sink"
	"go.skia.org/genhook/go/webhookconf"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
)

const (
	// maxBodyBytes caps inbound webhook bodies; anything larger is treated
	// like an unreadable payload and accepted without processing.
	maxBodyBytes = 10 * 1024 * 1024

	statusSuccess = "success"
	statusError   = "error"

	receivedMetric    = "genhook_webhooks_received"
	successMetric     = "genhook_webhooks_success"
	failureMetric     = "genhook_webhooks_failure"
	sinkFailureMetric = "genhook_sink_failures"
)

// Sender delivers rendered messages to the downstream sink. Satisfied by
// *sink.Client.
type Sender interface {
	Send(ctx context.Context, message, alignedResource string) error
}

// Server is the state shared by all handlers.
type Server struct {
	store             *webhookconf.Store
	plog              *payloadlog.Logger
	sender            Sender
	version           string
	processingTimeout time.Duration
}

// New returns a Server wired to the given collaborators.
func New(cfg *config.Config, store *webhookconf.Store, plog *payloadlog.Logger, sender Sender, version string) *Server {
	return &Server{
		store:             store,
		plog:              plog,
		sender:            sender,
		version:           version,
		processingTimeout: cfg.Server.ProcessingTimeout,
	}
}

// AddHandlers registers every route on r.
func (srv *Server) AddHandlers(r chi.Router) {
	r.Post("/webhook/{service}/{token}", srv.webhookHandler)
	r.Get("/health", srv.healthHandler)
	r.Route("/api", func(api chi.Router) {
		corsWrapper := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		})
		api.Use(corsWrapper.Handler)
		api.Get("/configs", srv.listConfigsHandler)
		api.Get("/config/{service}/{token}", srv.getConfigHandler)
		api.Post("/save-config", srv.saveConfigHandler)
		api.Delete("/config/{service}/{token}", srv.deleteConfigHandler)
		api.Post("/analyze-payload", srv.analyzePayloadHandler)
		api.Post("/test-config", srv.testConfigHandler)
		api.Get("/generate-token", srv.generateTokenHandler)
		api.Get("/webhook-logs/types", srv.logTypesHandler)
		api.Get("/webhook-logs/{service}/recent", srv.recentLogsHandler)
	})
}

// ingestResponse is the body returned to webhook senders. The token only
// ever appears inside service_token on full success.
type ingestResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	Service          string `json:"service,omitempty"`
	GeneratedMessage string `json:"generated_message,omitempty"`
	ServiceToken     string `json:"service_token,omitempty"`
}

// webhookHandler runs the ingestion pipeline: resolve, extract, render,
// send, log. Failures after resolution respond 200 so the upstream service
// does not retry a payload that will fail the same way again.
func (srv *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), srv.processingTimeout)
	defer cancel()

	service := strings.ToLower(chi.URLParam(r, "service"))
	tok := strings.ToLower(chi.URLParam(r, "token"))
	metrics2.GetCounter(receivedMetric, map[string]string{"service": service}).Inc(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		sklog.Warningf("Reading %s webhook body: %s", service, err)
		body = nil
	}
	var payload interface{}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &payload) != nil {
		sklog.Infof("Empty or non-JSON payload for %s webhook, accepting without processing", service)
		srv.sendJSON(w, http.StatusOK, ingestResponse{
			Status:  statusSuccess,
			Message: "Empty payload received and ignored",
			Service: service,
		})
		return
	}

	rec, err := srv.store.Resolve(ctx, service, tok)
	if err != nil {
		if errors.Is(skerr.Unwrap(err), webhookconf.ErrNotFound) {
			sklog.Warningf("Webhook for unconfigured service %q", service)
			srv.sendJSON(w, http.StatusNotFound, ingestResponse{
				Status:  statusError,
				Message: fmt.Sprintf("webhook type %q not configured", service),
			})
			return
		}
		httputils.ReportError(w, err, "Failed to read webhook configuration.", http.StatusInternalServerError)
		return
	}

	entry := payloadlog.Entry{
		Payload:       json.RawMessage(body),
		SourceIP:      clientIP(r),
		UserAgent:     r.UserAgent(),
		ContentLength: int64(len(body)),
	}

	values, err := extract.Extract(payload, rec.Fields)
	var rendered string
	if err == nil {
		rendered, err = render.Render(rec.Template, values)
	}
	if err != nil {
		// Stored configurations are validated at write time, so a failure
		// here is an operator problem, not the sender's.
		sklog.Errorf("Stored configuration for %s failed against a live payload: %s", service, err)
		entry.ProcessingStatus = payloadlog.StatusFailure
		entry.ErrorMessage = err.Error()
		srv.appendLog(ctx, service, entry)
		metrics2.GetCounter(failureMetric, map[string]string{"service": service}).Inc(1)
		srv.sendJSON(w, http.StatusOK, ingestResponse{
			Status:  statusError,
			Message: fmt.Sprintf("webhook accepted but processing failed: %s", err),
		})
		return
	}

	if err := srv.sender.Send(ctx, sink.FormatMessage(service, rec.Token, rendered), rec.AlignedResource()); err != nil {
		msg := "webhook processed but message delivery failed"
		if ctx.Err() != nil {
			msg = "webhook processing timed out before delivery completed"
		}
		kind := "unavailable"
		if sink.IsRejected(err) {
			kind = "rejected"
		}
		sklog.Errorf("Delivering %s webhook to the message sink: %s", service, err)
		metrics2.GetCounter(sinkFailureMetric, map[string]string{"service": service, "kind": kind}).Inc(1)
		metrics2.GetCounter(failureMetric, map[string]string{"service": service}).Inc(1)
		entry.ProcessingStatus = payloadlog.StatusFailure
		entry.ErrorMessage = msg
		entry.GeneratedMessage = rendered
		srv.appendLog(ctx, service, entry)
		srv.sendJSON(w, http.StatusOK, ingestResponse{
			Status:           statusError,
			Message:          msg,
			GeneratedMessage: rendered,
		})
		return
	}

	entry.ProcessingStatus = payloadlog.StatusSuccess
	entry.GeneratedMessage = rendered
	srv.appendLog(ctx, service, entry)
	metrics2.GetCounter(successMetric, map[string]string{"service": service}).Inc(1)
	srv.sendJSON(w, http.StatusOK, ingestResponse{
		Status:           statusSuccess,
		Message:          "webhook processed",
		GeneratedMessage: rendered,
		ServiceToken:     rec.Key(),
	})
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version,omitempty"`
	WebhookTypes int    `json:"webhook_types"`
	Timestamp    string `json:"timestamp,omitempty"`
}

func (srv *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := srv.store.List(r.Context())
	if err != nil {
		sklog.Errorf("Health check failed to read the store: %s", err)
		srv.sendJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy"})
		return
	}
	srv.sendJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		Version:      srv.version,
		WebhookTypes: len(recs),
		Timestamp:    now.Now(r.Context()).UTC().Format(time.RFC3339),
	})
}

// appendLog records the entry even when the request deadline has already
// expired; a dead payload log never fails a request.
func (srv *Server) appendLog(ctx context.Context, service string, e payloadlog.Entry) {
	if err := srv.plog.Append(context.WithoutCancel(ctx), service, e); err != nil {
		sklog.Warningf("Payload log append for %s failed: %s", service, err)
	}
}

func (srv *Server) sendJSON(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed writing response: %s", err)
	}
}

// clientIP returns the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
