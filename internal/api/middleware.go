package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request and response headers.
const (
	TenantIDHeader  = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"

	// IdempotencyKeyHeader makes POST /calculate replayable.
	IdempotencyKeyHeader = "Idempotency-Key"

	// ReplayedHeader is set on responses served from the idempotency cache.
	ReplayedHeader = "Idempotent-Replayed"
)

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", TenantIDHeader, RequestIDHeader, TraceIDHeader, IdempotencyKeyHeader, "Authorization"}, ", ")
	corsExposeHeaders = strings.Join([]string{RequestIDHeader, TraceIDHeader, ReplayedHeader}, ", ")
)

var tracer = otel.Tracer("tiercalc/api")

type scopeKey struct{}

// requestScope is what the middleware learns about a request.
type requestScope struct {
	tenantID  string
	requestID string
	traceID   string
}

func scopeFrom(ctx context.Context) *requestScope {
	if s, ok := ctx.Value(scopeKey{}).(*requestScope); ok {
		return s
	}
	return &requestScope{}
}

// GetTenantID returns the tenant of the request, or "" outside a tenant route.
func GetTenantID(ctx context.Context) string {
	return scopeFrom(ctx).tenantID
}

// GetTraceID returns the trace ID of the request. Without a sampled span it
// is the request ID.
func GetTraceID(ctx context.Context) string {
	return scopeFrom(ctx).traceID
}

// GetRequestID returns the request ID of the request.
func GetRequestID(ctx context.Context) string {
	return scopeFrom(ctx).requestID
}

// TracingMiddleware starts a server span, assigns request and trace IDs and
// echoes both in the response headers. It must run before the other
// middleware that reads the scope.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := &requestScope{requestID: r.Header.Get(RequestIDHeader)}
		if scope.requestID == "" {
			scope.requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", scope.requestID),
			),
		)
		defer span.End()

		scope.traceID = scope.requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			scope.traceID = sc.TraceID().String()
		}
		w.Header().Set(RequestIDHeader, scope.requestID)
		w.Header().Set(TraceIDHeader, scope.traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, scopeKey{}, scope)))

		status := statusOf(ww)
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("tenant.id", scope.tenantID),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// TenantMiddleware rejects requests without an X-Tenant-ID header and records
// the tenant in the request scope.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": TenantIDHeader + " header is required",
			})
			return
		}

		ctx := r.Context()
		scope, ok := ctx.Value(scopeKey{}).(*requestScope)
		if !ok {
			scope = &requestScope{}
			ctx = context.WithValue(ctx, scopeKey{}, scope)
		}
		scope.tenantID = tenantID
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs one line per request once it completes. The tenant
// is known here because the scope is shared with TenantMiddleware.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := statusOf(ww)
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		scope := scopeFrom(r.Context())
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", scope.tenantID,
			"request_id", scope.requestID,
			"trace_id", scope.traceID,
		)
	})
}

// CORSMiddleware answers preflight requests and allows any origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Max-Age", "86400")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a JSON 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal server error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// statusOf reports 200 for handlers that wrote a body without a status.
func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
