package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request ID on HTTP requests, responses and
// gRPC metadata.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

type (
	requestIDKey    struct{}
	loggerKey       struct{}
	requestStateKey struct{}
)

// requestState collects facts learned further down the chain, such as the
// authenticated principal, for the completion record.
type requestState struct {
	mu        sync.Mutex
	principal string
}

func (s *requestState) setPrincipal(p string) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}

func (s *requestState) attrs() []slog.Attr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == "" {
		return nil
	}
	return []slog.Attr{slog.String("principal", s.principal)}
}

func requestStateFromContext(ctx context.Context) *requestState {
	s, _ := ctx.Value(requestStateKey{}).(*requestState)
	return s
}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// acceptRequestID keeps a caller-supplied ID when it is short and printable
// ASCII, and mints a fresh one otherwise.
func acceptRequestID(incoming string) string {
	if incoming == "" || len(incoming) > maxRequestIDLength {
		return newRequestID()
	}
	for i := 0; i < len(incoming); i++ {
		if c := incoming[i]; c <= ' ' || c > '~' {
			return newRequestID()
		}
	}
	return incoming
}

func beginRequest(ctx context.Context, base *slog.Logger, reqID string) (context.Context, *slog.Logger, *requestState) {
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("request_id", reqID))
	state := &requestState{}
	ctx = context.WithValue(ctx, requestIDKey{}, reqID)
	ctx = context.WithValue(ctx, loggerKey{}, logger)
	ctx = context.WithValue(ctx, requestStateKey{}, state)
	return ctx, logger, state
}

// statusRecorder captures the status code and body size of an HTTP response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Flush keeps server-sent event streams working behind the logger.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap supports http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func httpLogLevel(code int) slog.Level {
	switch {
	case code >= 500:
		return slog.LevelError
	case code >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func grpcLogLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// HTTPRequestLogging logs one "request started" record at debug level and
// one "request completed" record whose level follows the response status.
// The request ID comes from the X-Request-ID header when acceptable and is
// echoed on the response.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := acceptRequestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger, state := beginRequest(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			reqLogger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs := append([]slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", rec.code()),
				slog.Int64("response_bytes", rec.bytes),
				slog.Float64("duration_ms", millisecondsSince(start)),
			}, state.attrs()...)
			reqLogger.LogAttrs(ctx, httpLogLevel(rec.code()), "request completed", attrs...)
		})
	}
}

// UnaryRequestLoggingInterceptor is the gRPC unary counterpart of
// [HTTPRequestLogging]. The request ID is read from x-request-id metadata.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, reqLogger, state := beginRequest(ctx, logger, grpcRequestID(ctx))
		reqLogger.DebugContext(ctx, "request started", slog.String("method", info.FullMethod))

		start := time.Now()
		resp, err := handler(ctx, req)
		logGRPCCompletion(ctx, reqLogger, state, "request completed", info.FullMethod, start, err)
		return resp, err
	}
}

// StreamRequestLoggingInterceptor is the streaming counterpart of
// [UnaryRequestLoggingInterceptor].
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, reqLogger, state := beginRequest(ss.Context(), logger, grpcRequestID(ss.Context()))
		reqLogger.DebugContext(ctx, "stream started", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &contextServerStream{ServerStream: ss, ctx: ctx})
		logGRPCCompletion(ctx, reqLogger, state, "stream completed", info.FullMethod, start, err)
		return err
	}
}

func logGRPCCompletion(ctx context.Context, logger *slog.Logger, state *requestState, msg, method string, start time.Time, err error) {
	code := status.Code(err)
	attrs := append([]slog.Attr{
		slog.String("method", method),
		slog.String("status_code", code.String()),
		slog.Float64("duration_ms", millisecondsSince(start)),
	}, state.attrs()...)
	logger.LogAttrs(ctx, grpcLogLevel(code), msg, attrs...)
}

func grpcRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(RequestIDHeader); len(values) > 0 {
			return acceptRequestID(values[0])
		}
	}
	return newRequestID()
}

func millisecondsSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1e3
}
