package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingCredentials = errors.New("missing bearer token")
	errMalformedBearer    = errors.New("malformed authorization header")
	errEmptyPrincipal     = errors.New("token resolved to an empty principal")
	errNoValidator        = errors.New("token validator is nil")
	errThrottled          = errors.New("too many failed auth attempts")
)

// TokenValidator validates a bearer token and returns the authenticated
// principal, the API key ID for promoz tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures an [Authenticator].
type AuthOption func(*Authenticator)

// WithOnAuthFailure registers a callback invoked on every rejected request,
// including ones refused by the rate limiter.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(a *Authenticator) { a.onFailure = fn }
}

// WithRateLimiter throttles clients that keep presenting bad credentials.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(a *Authenticator) { a.limiter = rl }
}

// Authenticator enforces bearer API-key auth for the HTTP and gRPC
// transports. A client IP that has used up its failure budget is refused
// before its token is checked.
type Authenticator struct {
	validator TokenValidator
	limiter   *RateLimiter
	onFailure func()
}

func NewAuthenticator(validator TokenValidator, opts ...AuthOption) *Authenticator {
	a := &Authenticator{validator: validator}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// authError is a rejected request, either for bad credentials or because the
// caller is throttled.
type authError struct {
	cause      error
	throttled  bool
	retryAfter int
}

func (e *authError) Error() string { return e.cause.Error() }

// authenticate resolves the principal for the given Authorization header
// values, or returns an *authError.
func (a *Authenticator) authenticate(ctx context.Context, ip string, headers []string) (string, error) {
	if a.limiter != nil && ip != "" && a.limiter.Blocked(ip) {
		a.reject(ctx, "auth throttled", ip, errThrottled)
		return "", &authError{cause: errThrottled, throttled: true, retryAfter: a.retryAfterSeconds()}
	}

	principal, err := a.resolve(ctx, headers)
	if err == nil {
		return principal, nil
	}

	a.reject(ctx, "auth failed", ip, err)
	if a.limiter != nil && ip != "" && !a.limiter.RecordFailure(ip) {
		return "", &authError{cause: err, throttled: true, retryAfter: a.retryAfterSeconds()}
	}
	return "", &authError{cause: err}
}

func (a *Authenticator) resolve(ctx context.Context, headers []string) (string, error) {
	if a.validator == nil {
		return "", errNoValidator
	}

	lastErr := errMissingCredentials
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, err := parseBearerToken(header)
		if err != nil {
			lastErr = err
			continue
		}
		principal, err := a.validator.ValidateToken(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(principal) == "" {
			lastErr = errEmptyPrincipal
			continue
		}
		return principal, nil
	}
	return "", lastErr
}

func (a *Authenticator) reject(ctx context.Context, msg, ip string, cause error) {
	if a.onFailure != nil {
		a.onFailure()
	}
	LoggerFromContext(ctx).DebugContext(ctx, msg, slog.String("client_ip", ip), slog.String("reason", cause.Error()))
}

func (a *Authenticator) retryAfterSeconds() int {
	if a.limiter == nil {
		return 0
	}
	return int(math.Ceil(a.limiter.RetryAfter().Seconds()))
}

// HTTP wraps next so that it only sees authenticated requests, with the
// principal available through [PrincipalFromContext].
func (a *Authenticator) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r.Context(), clientIP(r.RemoteAddr), r.Header.Values("Authorization"))
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
	})
}

// UnaryInterceptor authenticates unary gRPC calls from the "authorization"
// metadata key.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		principal, err := a.authenticate(ctx, peerIP(ctx), authorizationMetadata(ctx))
		if err != nil {
			return nil, grpcAuthError(err)
		}
		return handler(NewContextWithPrincipal(ctx, principal), req)
	}
}

// StreamInterceptor is the streaming counterpart of [Authenticator.UnaryInterceptor].
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		principal, err := a.authenticate(ctx, peerIP(ctx), authorizationMetadata(ctx))
		if err != nil {
			return grpcAuthError(err)
		}
		return handler(srv, &contextServerStream{ServerStream: ss, ctx: NewContextWithPrincipal(ctx, principal)})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	var authErr *authError
	errors.As(err, &authErr)

	code, message := http.StatusUnauthorized, "unauthorized"
	if authErr != nil && authErr.throttled {
		code, message = http.StatusTooManyRequests, errThrottled.Error()
		if authErr.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(authErr.retryAfter))
		}
	} else {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func grpcAuthError(err error) error {
	var authErr *authError
	if errors.As(err, &authErr) && authErr.throttled {
		return status.Error(codes.ResourceExhausted, errThrottled.Error())
	}
	return status.Error(codes.Unauthenticated, "unauthorized")
}

// contextServerStream overrides the context of a wrapped server stream.
type contextServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextServerStream) Context() context.Context {
	return s.ctx
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated API key ID.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok
}

// NewContextWithPrincipal stores the authenticated API key ID in ctx and
// reports it to the request logger, if one is active.
func NewContextWithPrincipal(ctx context.Context, principal string) context.Context {
	if state := requestStateFromContext(ctx); state != nil {
		state.setPrincipal(principal)
	}
	return context.WithValue(ctx, principalKey{}, principal)
}

func parseBearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformedBearer
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformedBearer
	}
	return token, nil
}

func authorizationMetadata(ctx context.Context) []string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	return md.Get("authorization")
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return clientIP(p.Addr.String())
}
