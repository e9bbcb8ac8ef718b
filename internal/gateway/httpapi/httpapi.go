// Package httpapi implements the HTTP gateway for Kazi.
//
// Security:
//   - Inbound webhook deliveries are gated by the shared verification token
//     (checked inside the automation service, not here)
//   - Management endpoints under /v1 require either a Bearer API key
//     (constant-time comparison) or an HMAC-SHA256 request signature over
//     "timestamp:body" with a bounded replay window
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/platform"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> caller name. Keys from env.
	SigningSecret  string            // HMAC secret for signed management calls. Empty = signatures disabled.
	MaxSkew        time.Duration     // Replay window for signed requests.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// EventService is the automation surface the gateway exposes.
type EventService interface {
	HandleEvent(ctx context.Context, raw []byte) (*automation.EventResult, error)
	Scan(ctx context.Context, appToken, tableID string, reset bool) (*automation.ScanResult, error)
}

// SchemaRefresher re-fetches a table schema, bypassing the cache.
type SchemaRefresher interface {
	RefreshSchema(ctx context.Context, appToken, tableID string) (*platform.TableSchema, error)
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config     Config
	service    EventService
	logger     *slog.Logger
	server     *http.Server
	delayStore scheduler.DelayTaskStore // nil = delay endpoints disabled.
	cronStore  scheduler.CronJobStore   // nil = cron endpoints disabled.
	cronCfg    *config.CronQueueConfig
	runLog     storage.RunLogStore // nil = run log endpoints disabled.
	schemas    SchemaRefresher     // nil = schema refresh endpoint disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, svc EventService, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		service: svc,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithDelayTasks attaches delayed-task management to the gateway.
func (g *Gateway) WithDelayTasks(store scheduler.DelayTaskStore) *Gateway {
	g.delayStore = store
	return g
}

// WithCronJobs attaches cron job management to the gateway.
func (g *Gateway) WithCronJobs(store scheduler.CronJobStore, cfg *config.CronQueueConfig) *Gateway {
	g.cronStore = store
	g.cronCfg = cfg
	return g
}

// WithRunLog attaches execution history listings to the gateway.
func (g *Gateway) WithRunLog(store storage.RunLogStore) *Gateway {
	g.runLog = store
	return g
}

// WithSchemaRefresher attaches the schema refresh endpoint to the gateway.
func (g *Gateway) WithSchemaRefresher(sr SchemaRefresher) *Gateway {
	g.schemas = sr
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Inbound change events. Unauthenticated; the verification token is
	// checked against the payload inside the service.
	g.okapi.Post("/webhook/event", g.handleWebhookEvent,
		okapi.DocSummary("Receive a change event or url_verification handshake"),
		okapi.DocTags("Events"),
		okapi.DocResponse(automation.EventResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Delay task endpoints.
	if g.delayStore != nil {
		g.group.Get("/delays", g.handleDelayList,
			okapi.DocSummary("List delayed tasks"),
			okapi.DocTags("Delays"),
			okapi.DocResponse([]DelayTaskResponse{}),
		)
		g.group.Get("/delays/{id}", g.handleDelayGet,
			okapi.DocSummary("Get a delayed task by ID"),
			okapi.DocTags("Delays"),
			okapi.DocPathParam("id", "string", "Task ID (UUID)"),
			okapi.DocResponse(DelayTaskResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/delays/{id}/cancel", g.handleDelayCancel,
			okapi.DocSummary("Cancel a scheduled delayed task"),
			okapi.DocTags("Delays"),
			okapi.DocPathParam("id", "string", "Task ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	// CronJob endpoints.
	if g.cronStore != nil {
		g.group.Post("/cronjobs", g.handleCronJobCreate,
			okapi.DocSummary("Create a new cron job"),
			okapi.DocTags("CronJobs"),
			okapi.DocRequestBody(CronJobRequest{}),
			okapi.DocResponse(http.StatusCreated, CronJobResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/cronjobs", g.handleCronJobList,
			okapi.DocSummary("List all cron jobs"),
			okapi.DocTags("CronJobs"),
			okapi.DocResponse([]CronJobResponse{}),
		)
		g.group.Get("/cronjobs/{id}", g.handleCronJobGet,
			okapi.DocSummary("Get a cron job by ID"),
			okapi.DocTags("CronJobs"),
			okapi.DocPathParam("id", "string", "CronJob ID (UUID)"),
			okapi.DocResponse(CronJobResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/cronjobs/{id}/cancel", g.handleCronJobCancel,
			okapi.DocSummary("Cancel a cron job"),
			okapi.DocTags("CronJobs"),
			okapi.DocPathParam("id", "string", "CronJob ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Post("/cronjobs/{id}/resume", g.handleCronJobResume,
			okapi.DocSummary("Resume a paused cron job"),
			okapi.DocTags("CronJobs"),
			okapi.DocPathParam("id", "string", "CronJob ID (UUID)"),
			okapi.DocResponse(CronJobResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	// Admin endpoints.
	g.group.Post("/admin/scan", g.handleScan,
		okapi.DocSummary("Run a manual rule scan over a table"),
		okapi.DocTags("Admin"),
		okapi.DocRequestBody(ScanRequest{}),
		okapi.DocResponse(automation.ScanResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	if g.schemas != nil {
		g.group.Post("/admin/schema/refresh", g.handleSchemaRefresh,
			okapi.DocSummary("Re-fetch a table schema, bypassing the cache"),
			okapi.DocTags("Admin"),
			okapi.DocRequestBody(SchemaRefreshRequest{}),
			okapi.DocResponse(platform.TableSchema{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}
	if g.runLog != nil {
		g.group.Get("/admin/runs", g.handleRecentRuns,
			okapi.DocSummary("List recent action executions"),
			okapi.DocTags("Admin"),
			okapi.DocResponse([]RunLogResponse{}),
		)
		g.group.Get("/admin/dead-letters", g.handleRecentDeadLetters,
			okapi.DocSummary("List recent dead-lettered actions"),
			okapi.DocTags("Admin"),
			okapi.DocResponse([]DeadLetterResponse{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Event ingestion ---

func (g *Gateway) handleWebhookEvent(c *okapi.Context) error {
	maxSize := g.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSize))
	if err != nil {
		return c.AbortBadRequest("unreadable request body")
	}

	result, err := g.service.HandleEvent(c.Context(), raw)
	if err != nil {
		var valErr *automation.ValidationError
		switch {
		case errors.Is(err, automation.ErrInvalidToken):
			return c.AbortUnauthorized("invalid verification token")
		case errors.As(err, &valErr):
			return c.AbortBadRequest(valErr.Reason)
		default:
			g.logger.Error("event handling failed", slog.String("error", err.Error()))
			return c.AbortInternalServerError("event handling failed")
		}
	}

	// The handshake reply must carry the challenge at the top level.
	if result.Result == automation.ResultChallenge {
		return c.OK(okapi.M{"challenge": result.Challenge})
	}
	return c.OK(result)
}

// --- Admin handlers ---

// ScanRequest is the JSON body for POST /v1/admin/scan.
type ScanRequest struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	Reset    bool   `json:"reset,omitempty"` // Rebaseline snapshots without firing rules.
}

func (g *Gateway) handleScan(c *okapi.Context) error {
	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.AppToken == "" || req.TableID == "" {
		return c.AbortBadRequest("app_token and table_id are required")
	}

	g.logger.Info("manual scan requested",
		slog.String("table_id", req.TableID),
		slog.Bool("reset", req.Reset),
		slog.String("caller", c.GetString("caller")),
	)

	result, err := g.service.Scan(c.Context(), req.AppToken, req.TableID, req.Reset)
	if err != nil {
		g.logger.Error("manual scan failed",
			slog.String("table_id", req.TableID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("scan failed")
	}
	return c.OK(result)
}

// SchemaRefreshRequest is the JSON body for POST /v1/admin/schema/refresh.
type SchemaRefreshRequest struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
}

func (g *Gateway) handleSchemaRefresh(c *okapi.Context) error {
	var req SchemaRefreshRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.AppToken == "" || req.TableID == "" {
		return c.AbortBadRequest("app_token and table_id are required")
	}

	schema, err := g.schemas.RefreshSchema(c.Context(), req.AppToken, req.TableID)
	if err != nil {
		g.logger.Error("schema refresh failed",
			slog.String("table_id", req.TableID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("schema refresh failed")
	}
	return c.OK(schema)
}

// RunLogResponse is one action execution in GET /v1/admin/runs.
type RunLogResponse struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	RuleID       string    `json:"rule_id"`
	TableID      string    `json:"table_id,omitempty"`
	RecordID     string    `json:"record_id,omitempty"`
	TriggerField string    `json:"trigger_field,omitempty"`
	ActionType   string    `json:"action_type"`
	Result       string    `json:"result"`
	RetryCount   int       `json:"retry_count"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (g *Gateway) handleRecentRuns(c *okapi.Context) error {
	limit := queryLimit(c.Request(), 100)
	entries, err := g.runLog.RecentRuns(c.Context(), limit)
	if err != nil {
		return c.AbortInternalServerError("failed to list runs")
	}
	resp := make([]RunLogResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		resp[i] = RunLogResponse{
			ID:           e.ID.String(),
			EventID:      e.EventID,
			RuleID:       e.RuleID,
			TableID:      e.TableID,
			RecordID:     e.RecordID,
			TriggerField: e.TriggerField,
			ActionType:   e.ActionType,
			Result:       e.Result,
			RetryCount:   e.RetryCount,
			Error:        e.Error,
			CreatedAt:    e.CreatedAt,
		}
	}
	return c.OK(resp)
}

// DeadLetterResponse is one entry in GET /v1/admin/dead-letters.
type DeadLetterResponse struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"rule_id"`
	TableID    string    `json:"table_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	ActionType string    `json:"action_type"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}

func (g *Gateway) handleRecentDeadLetters(c *okapi.Context) error {
	limit := queryLimit(c.Request(), 100)
	entries, err := g.runLog.RecentDeadLetters(c.Context(), limit)
	if err != nil {
		return c.AbortInternalServerError("failed to list dead letters")
	}
	resp := make([]DeadLetterResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		resp[i] = DeadLetterResponse{
			ID:         e.ID.String(),
			RuleID:     e.RuleID,
			TableID:    e.TableID,
			RecordID:   e.RecordID,
			ActionType: e.ActionType,
			Error:      e.Error,
			CreatedAt:  e.CreatedAt,
		}
	}
	return c.OK(resp)
}

// --- Health ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate accepts either a Bearer API key or an HMAC request signature.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			caller := ""
			for key, name := range g.config.APIKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					caller = name
				}
			}
			if caller == "" {
				return c.AbortUnauthorized("invalid API key")
			}
			c.Set("caller", caller)
			return next(c)
		}

		if sig := c.Header("X-Signature"); sig != "" && g.config.SigningSecret != "" {
			body, err := io.ReadAll(io.LimitReader(c.Request().Body, defaultMaxRequestSize))
			if err != nil {
				return c.AbortBadRequest("unreadable request body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			if err := verifySignature(g.config.SigningSecret, c.Header("X-Timestamp"), body, sig, g.config.MaxSkew, time.Now()); err != nil {
				return c.AbortUnauthorized(err.Error())
			}
			c.Set("caller", "signed")
			return next(c)
		}

		return c.AbortUnauthorized("missing or invalid Authorization header")
	}
}

// verifySignature checks an HMAC-SHA256 signature over "timestamp:body".
// The timestamp is Unix seconds and must be within maxSkew of now.
func verifySignature(secret, timestamp string, body []byte, signature string, maxSkew time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("missing or malformed X-Timestamp")
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxSkew || age < -maxSkew {
		return errors.New("request timestamp outside the allowed window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:", timestamp)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid request signature")
	}
	return nil
}

// --- Helpers ---

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
