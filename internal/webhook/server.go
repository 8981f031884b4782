package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/paygate/internal/canonical"
	"github.com/mattjoyce/paygate/internal/events"
	"github.com/mattjoyce/paygate/internal/metrics"
	"github.com/mattjoyce/paygate/internal/paygate"
	"github.com/mattjoyce/paygate/internal/queue"
	"github.com/mattjoyce/paygate/internal/registration"
	"github.com/mattjoyce/paygate/internal/signature"
	"github.com/mattjoyce/paygate/internal/x402"
)

const (
	productionPrefix = "/webhook/"
	testPrefix       = "/webhook-test/"

	paidEnqueueTimeout = 10 * time.Second
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	queue   JobQueuer
	gate    PaymentGate
	events  EventPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server

	newGuard func(endpoint string) RegistrationGuard

	// routes maps served URL paths to their endpoints
	routes map[string]*route
}

type route struct {
	cfg         *EndpointConfig
	path        string
	resourceURL string
	guard       RegistrationGuard
}

// Option configures a Server.
type Option func(*Server)

// WithPaymentGate sets the gate consulted by x402 endpoints.
func WithPaymentGate(g PaymentGate) Option {
	return func(s *Server) { s.gate = g }
}

// WithRegistration builds one registration guard per x402 endpoint.
func WithRegistration(newGuard func(endpoint string) RegistrationGuard) Option {
	return func(s *Server) { s.newGuard = newGuard }
}

// WithEvents publishes accepted requests on p.
func WithEvents(p EventPublisher) Option {
	return func(s *Server) { s.events = p }
}

// WithMetrics counts requests by endpoint kind and status.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new webhook server instance.
func New(config Config, queue JobQueuer, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		config: config,
		queue:  queue,
		logger: logger,
		routes: make(map[string]*route),
	}
	for _, opt := range opts {
		opt(s)
	}

	base := strings.TrimRight(config.PublicBaseURL, "/")
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]

		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if len(ep.Methods) == 0 {
			ep.Methods = []string{http.MethodPost}
		}

		rt := &route{cfg: ep, path: servedPath(ep.Path, config.TestMode)}
		if ep.Kind == KindX402 {
			rt.resourceURL = base + rt.path
			if s.newGuard != nil {
				rt.guard = s.newGuard(ep.Name)
			}
		}
		s.routes[rt.path] = rt
	}

	return s
}

// servedPath moves /webhook/ paths under /webhook-test/ in test mode.
func servedPath(path string, testMode bool) string {
	if testMode && strings.HasPrefix(path, productionPrefix) {
		return testPrefix + strings.TrimPrefix(path, productionPrefix)
	}
	return path
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Settlement and streaming responses can outlast a short write deadline.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.routes))

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the HTTP router serving every configured endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	for path, rt := range s.routes {
		for _, method := range rt.cfg.Methods {
			r.Method(method, path, http.HandlerFunc(s.handleWebhook))
		}
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		kind := "unknown"
		if rt, ok := s.routes[r.URL.Path]; ok {
			kind = rt.cfg.Kind
		}
		s.metrics.WebhookRequest(kind, ww.Status())

		// Log request (no body content or payment header)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook handles requests to any configured endpoint.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routes[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	endpoint := rt.cfg

	if !ipAllowed(endpoint.IPAllowlist, clientIP(r), forwardedIPs(r)) {
		s.logger.Warn("webhook caller not allowlisted",
			"endpoint", endpoint.Name,
			"remote_addr", r.RemoteAddr,
		)
		s.respondError(w, http.StatusForbidden, "IP is not whitelisted to access the webhook!")
		return
	}

	// Enforce body size limit
	limitedReader := io.LimitReader(r.Body, endpoint.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	// Check if body exceeded limit
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	switch endpoint.Kind {
	case KindX402:
		s.handlePaid(w, r, rt, body)
	default:
		s.handleSigned(w, r, rt, body)
	}
}

// handleSigned verifies the Ed25519 signature carried in the body and
// enqueues the payload without it.
func (s *Server) handleSigned(w http.ResponseWriter, r *http.Request, rt *route, body []byte) {
	endpoint := rt.cfg

	payload, err := signature.VerifyBody(endpoint.PublicKey, body)
	if err != nil {
		s.logger.Warn("webhook signature verification failed",
			"endpoint", endpoint.Name,
			"path", r.URL.Path,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	jobID, err := s.enqueue(r.Context(), rt, canonical.Marshal(payload), nil)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	s.respondJSON(w, http.StatusAccepted, TriggerResponse{JobID: jobID})
}

// paidJob is the job payload of an accepted paid request.
type paidJob struct {
	Method string `json:"method"`
	paygate.Item
}

// handlePaid runs the x402 flow: directory registration, payment
// authorization, job enqueue and the configured success response.
func (s *Server) handlePaid(w http.ResponseWriter, r *http.Request, rt *route, body []byte) {
	ctx := r.Context()
	endpoint := rt.cfg
	pc := endpoint.Payment
	if s.gate == nil || pc == nil {
		s.logger.Error("paid endpoint has no payment gate", "endpoint", endpoint.Name)
		s.respondError(w, http.StatusInternalServerError, "payment gate not configured")
		return
	}

	if rt.guard != nil {
		rt.guard.Ensure(ctx, registration.Resource{
			URL:         rt.resourceURL,
			Description: pc.Description,
			MimeType:    pc.MimeType,
			Method:      r.Method,
		})
	}

	decision, err := s.gate.Authorize(ctx, paygate.Endpoint{
		Name:   endpoint.Name,
		Tokens: pc.Tokens,
		Resource: x402.Resource{
			URL:         rt.resourceURL,
			Description: pc.Description,
			MimeType:    pc.MimeType,
		},
	}, r.Header.Get(PaymentHeader))
	if err != nil {
		var pv *x402.ProtocolViolation
		switch {
		case errors.As(err, &pv) && decision != nil:
			paygate.WriteChallenge(w, pv.Message, decision.Requirements)
		case errors.Is(err, x402.ErrBackend):
			s.respondError(w, http.StatusBadGateway, "payment backend unavailable")
		default:
			s.respondError(w, http.StatusInternalServerError, "payment configuration error")
		}
		return
	}

	item := paygate.Item{
		Headers:             lowerHeaders(r),
		Params:              map[string]string{},
		Query:               queryValues(r),
		Body:                itemBody(body),
		TxHash:              decision.Outcome.TxHash,
		PaymentRequirements: decision.Requirements,
		PaymentPayload:      decision.Payload,
		WebhookURL:          rt.resourceURL,
		ExecutionMode:       s.executionMode(),
	}

	payload, err := json.Marshal(paidJob{Method: r.Method, Item: item})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to encode job")
		return
	}

	var settlementID *string
	if id := decision.Outcome.SettlementID; id != "" {
		settlementID = &id
	}
	// The payment is settled; the caller going away must not drop its job.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), paidEnqueueTimeout)
	defer cancel()
	jobID, err := s.enqueue(jobCtx, rt, payload, settlementID)
	if err != nil {
		// The payment is already settled; the ledger row lets an operator
		// replay it.
		s.logger.Error("paid request not enqueued",
			"endpoint", endpoint.Name,
			"tx_hash", decision.Outcome.TxHash,
			"settlement_id", decision.Outcome.SettlementID,
		)
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	item.JobID = jobID

	if err := paygate.WriteSuccess(w, pc.Response, item, decision.Outcome); err != nil {
		s.logger.Warn("write paid response failed", "endpoint", endpoint.Name, "job_id", jobID, "error", err)
	}
}

func (s *Server) enqueue(ctx context.Context, rt *route, payload []byte, settlementID *string) (string, error) {
	endpoint := rt.cfg
	jobID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Workflow:     endpoint.Workflow,
		Trigger:      endpoint.Kind,
		Payload:      json.RawMessage(payload),
		SubmittedBy:  "webhook:" + endpoint.Name,
		SettlementID: settlementID,
	})
	if err != nil {
		s.logger.Error("failed to enqueue webhook job",
			"endpoint", endpoint.Name,
			"workflow", endpoint.Workflow,
			"error", err,
		)
		return "", err
	}

	s.logger.Info("webhook job enqueued",
		"endpoint", endpoint.Name,
		"workflow", endpoint.Workflow,
		"job_id", jobID,
	)
	if s.events != nil {
		s.events.Publish(events.WebhookAccepted, map[string]any{
			"endpoint": endpoint.Name,
			"kind":     endpoint.Kind,
			"job_id":   jobID,
		})
	}
	return jobID, nil
}

func (s *Server) executionMode() string {
	if s.config.TestMode {
		return "test"
	}
	return "production"
}

// ipAllowed reports whether ip or any forwarded address contains an
// allowlist entry. An empty allowlist admits everyone.
func ipAllowed(allowlist []string, ip string, forwarded []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if ip != "" && strings.Contains(ip, entry) {
			return true
		}
		for _, f := range forwarded {
			if strings.Contains(f, entry) {
				return true
			}
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func forwardedIPs(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, ip := range strings.Split(v, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				out = append(out, ip)
			}
		}
	}
	return out
}

func lowerHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	if r.Host != "" {
		out["host"] = r.Host
	}
	return out
}

func queryValues(r *http.Request) map[string]any {
	q := r.URL.Query()
	out := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// itemBody keeps JSON bodies as-is, wraps anything else as a JSON string
// and turns an empty body into {}.
func itemBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(string(body))
	return b
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
