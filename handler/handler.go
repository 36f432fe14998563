// Package handler exposes the story services over HTTP. The same chi router
// serves API Gateway proxy events in Lambda and plain requests when the
// binary runs as a local server.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"virtual-product-owner/internal/domain"
	"virtual-product-owner/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	userHeader        = "X-User-Id"

	errorUnauthorized = "UNAUTHORIZED"

	defaultRequestTimeout = 60 * time.Second
	maxJSONBody           = 1 << 20
	// base64 inflates uploads by a third.
	maxUploadBody = 14 << 20
)

type StoryUseCase interface {
	List(ctx context.Context, userID string) ([]domain.Story, error)
	Get(ctx context.Context, userID, id string) (domain.Story, error)
	Create(ctx context.Context, userID string, in usecase.StoryInput) (domain.Story, error)
	Update(ctx context.Context, userID, id string, in usecase.StoryInput) (domain.Story, error)
	ApplySuggestion(ctx context.Context, userID, id string, sug domain.RefinedSuggestion) (domain.Story, error)
	SaveDrafts(ctx context.Context, userID string, drafts []domain.Story) ([]domain.Story, error)
	Delete(ctx context.Context, userID, id string) error
	ExportCSV(ctx context.Context, userID string, w io.Writer) error
	ImportCSV(ctx context.Context, userID string, r io.Reader) (usecase.ImportResult, error)
}

type ApprovalUseCase interface {
	Submit(ctx context.Context, userID, id string) (domain.Story, error)
	Approve(ctx context.Context, userID, id, approverID string) (domain.Story, error)
	Reject(ctx context.Context, userID, id, reason string) (domain.Story, error)
	Sync(ctx context.Context, userID, id string) (domain.Story, error)
}

type RefinementUseCase interface {
	Generate(ctx context.Context, in usecase.GenerateInput) ([]domain.Story, error)
	Refine(ctx context.Context, in usecase.RefineInput) (usecase.RefineOutput, error)
	History(ctx context.Context, userID, storyID string) ([]domain.Message, error)
}

type AssetUseCase interface {
	Upload(ctx context.Context, in usecase.UploadInput) (domain.Asset, error)
	List(ctx context.Context, userID string) ([]domain.Asset, error)
	Delete(ctx context.Context, userID, id string) error
}

// Pinger reports whether a backing store can serve requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the use cases the router dispatches to.
type Services struct {
	Stories    StoryUseCase
	Approvals  ApprovalUseCase
	Refinement RefinementUseCase
	Assets     AssetUseCase
}

type Handler struct {
	svc             Services
	router          chi.Router
	logger          *slog.Logger
	trustUserHeader bool
	requestTimeout  time.Duration
	readiness       Pinger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithTrustedUserHeader lets X-User-Id identify the caller. Only enable it
// behind a proxy that sets the header itself.
func WithTrustedUserHeader(trust bool) Option {
	return func(h *Handler) {
		h.trustUserHeader = trust
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// WithReadinessCheck makes /health/ready ping p. Without it the service
// always reports ready.
func WithReadinessCheck(p Pinger) Option {
	return func(h *Handler) {
		h.readiness = p
	}
}

func NewHandler(svc Services, opts ...Option) (*Handler, error) {
	switch {
	case svc.Stories == nil:
		return nil, errors.New("handler: story use case must not be nil")
	case svc.Approvals == nil:
		return nil, errors.New("handler: approval use case must not be nil")
	case svc.Refinement == nil:
		return nil, errors.New("handler: refinement use case must not be nil")
	case svc.Assets == nil:
		return nil, errors.New("handler: asset use case must not be nil")
	}
	h := &Handler{
		svc:            svc,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.routes()
	return h, nil
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.correlate)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.requestTimeout))

	r.Get("/health", h.health)
	r.Get("/health/ready", h.ready)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireUser)

		r.Get("/stories", h.listStories)
		r.Post("/stories", h.createStory)
		r.Get("/stories/export", h.exportStories)
		r.Post("/stories/import", h.importStories)
		r.Route("/stories/{id}", func(r chi.Router) {
			r.Get("/", h.getStory)
			r.Put("/", h.updateStory)
			r.Delete("/", h.deleteStory)
			r.Post("/apply-suggestion", h.applySuggestion)
			r.Post("/approval/{action}", h.approval)
			r.Get("/conversation", h.conversation)
			r.Post("/conversation/messages", h.postMessage)
		})

		r.Post("/generate", h.generate)

		r.Get("/assets", h.listAssets)
		r.Post("/assets", h.uploadAsset)
		r.Delete("/assets/{id}", h.deleteAsset)
	})
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Handle adapts an API Gateway proxy event onto the router.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req, err := requestFromEvent(ctx, event)
	if err != nil {
		h.logger.WarnContext(ctx, "rejecting malformed proxy event", "err", err)
		body, _ := json.Marshal(errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "malformed request"})
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       string(body),
		}, nil
	}
	if userID := authorizerUser(event.RequestContext.Authorizer); userID != "" {
		req = req.WithContext(withUser(req.Context(), userID))
	}

	rw := newProxyResponseWriter()
	h.router.ServeHTTP(rw, req)
	return rw.response(), nil
}

func requestFromEvent(ctx context.Context, event events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		body = decoded
	}

	u := url.URL{Path: event.Path}
	q := url.Values{}
	for k, vs := range event.MultiValueQueryStringParameters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, v := range event.QueryStringParameters {
		if _, ok := q[k]; !ok {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	method := event.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range event.MultiValueHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, v := range event.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	req.RequestURI = u.RequestURI()
	return req, nil
}

// authorizerUser reads the caller from a Cognito/JWT authorizer ("claims.sub")
// or a Lambda authorizer ("principalId").
func authorizerUser(auth map[string]interface{}) string {
	if auth == nil {
		return ""
	}
	if claims, ok := auth["claims"].(map[string]interface{}); ok {
		if sub, ok := claims["sub"].(string); ok && strings.TrimSpace(sub) != "" {
			return strings.TrimSpace(sub)
		}
	}
	if p, ok := auth["principalId"].(string); ok {
		return strings.TrimSpace(p)
	}
	return ""
}

// proxyResponseWriter buffers a router response into a proxy response.
type proxyResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newProxyResponseWriter() *proxyResponseWriter {
	return &proxyResponseWriter{header: http.Header{}}
}

func (w *proxyResponseWriter) Header() http.Header { return w.header }

func (w *proxyResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *proxyResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *proxyResponseWriter) response() events.APIGatewayProxyResponse {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	single := make(map[string]string, len(w.header))
	multi := make(map[string][]string, len(w.header))
	for k, vs := range w.header {
		if len(vs) == 0 {
			continue
		}
		single[k] = vs[0]
		multi[k] = append([]string(nil), vs...)
	}
	return events.APIGatewayProxyResponse{
		StatusCode:        status,
		Headers:           single,
		MultiValueHeaders: multi,
		Body:              w.body.String(),
	}
}

type ctxKey int

const (
	userKey ctxKey = iota
	correlationKey
)

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

func userFrom(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func correlationFrom(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey).(string)
	return v
}

func (h *Handler) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = newCorrelationID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlationFrom(r.Context()),
		)
	})
}

// requireUser resolves the caller. An identity set by the Lambda adapter
// wins; the header is only honoured when explicitly trusted.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userFrom(r.Context())
		if userID == "" && h.trustUserHeader {
			userID = strings.TrimSpace(r.Header.Get(userHeader))
		}
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorUnauthorized, Message: "missing user identity"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Time: time.Now().UTC()})
}

// ready answers 503 while the store cannot be reached.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.readiness != nil {
		if err := h.readiness.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "store not ready", "err", err, "correlation_id", correlationFrom(r.Context()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Time: time.Now().UTC()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Time: time.Now().UTC()})
}

// writeError maps use case failures onto HTTP statuses. Upstream failures
// carry the upstream error text so callers can see why a sync failed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		h.logger.ErrorContext(r.Context(), "unexpected handler error", "err", err, "correlation_id", correlationFrom(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
		return
	}

	status := http.StatusInternalServerError
	message := ue.Reason
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorInvalidTransition:
		status = http.StatusConflict
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
		if ue.Err != nil {
			message = ue.Err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"code", ue.Code, "reason", ue.Reason, "err", ue.Err, "correlation_id", correlationFrom(r.Context()))
	}
	writeJSON(w, status, errorResponse{Error: string(ue.Code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads exactly one JSON object with no unknown fields. An empty
// body is allowed only when optional is set.
func decodeJSON(r *http.Request, limit int64, optional bool, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > limit {
		return errors.New("request body too large")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if optional {
			return nil
		}
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body has trailing data")
	}
	return nil
}

func (h *Handler) badRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: reason})
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
