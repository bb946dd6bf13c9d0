package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type logRecords struct {
	buf bytes.Buffer
}

func (l *logRecords) logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&l.buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// find returns the first record with the given message.
func (l *logRecords) find(t *testing.T, msg string) map[string]any {
	t.Helper()
	scanner := bufio.NewScanner(bytes.NewReader(l.buf.Bytes()))
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("log line is not JSON: %v (%s)", err, scanner.Text())
		}
		if record["msg"] == msg {
			return record
		}
	}
	t.Fatalf("no %q record in log output: %s", msg, l.buf.String())
	return nil
}

func TestHTTPRequestLogging(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  float64
		wantLevel string
		wantBytes float64
	}{
		{
			name:      "implicit 200",
			handler:   func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("hello")) },
			wantCode:  200,
			wantLevel: "INFO",
			wantBytes: 5,
		},
		{
			name:      "client error",
			handler:   func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantCode:  404,
			wantLevel: "WARN",
		},
		{
			name: "server error keeps first status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.WriteHeader(http.StatusOK)
			},
			wantCode:  500,
			wantLevel: "ERROR",
		},
		{
			name:      "no write at all",
			handler:   func(http.ResponseWriter, *http.Request) {},
			wantCode:  200,
			wantLevel: "INFO",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var logs logRecords
			handler := HTTPRequestLogging(logs.logger())(test.handler)

			req := httptest.NewRequest(http.MethodGet, "/v1/discounts", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			started := logs.find(t, "request started")
			if started["level"] != "DEBUG" || started["path"] != "/v1/discounts" {
				t.Fatalf("started record = %v, want DEBUG for /v1/discounts", started)
			}

			done := logs.find(t, "request completed")
			if done["status_code"] != test.wantCode {
				t.Fatalf("status_code = %v, want %v", done["status_code"], test.wantCode)
			}
			if done["level"] != test.wantLevel {
				t.Fatalf("level = %v, want %s", done["level"], test.wantLevel)
			}
			if done["response_bytes"] != test.wantBytes {
				t.Fatalf("response_bytes = %v, want %v", done["response_bytes"], test.wantBytes)
			}
			if _, ok := done["duration_ms"]; !ok {
				t.Fatal("completed record has no duration_ms")
			}
			if done["request_id"] != rec.Header().Get(RequestIDHeader) {
				t.Fatalf("request_id = %v, response header = %q", done["request_id"], rec.Header().Get(RequestIDHeader))
			}
		})
	}
}

func TestHTTPRequestLoggingRequestID(t *testing.T) {
	var logs logRecords
	var seen string
	handler := HTTPRequestLogging(logs.logger())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == slog.Default() {
			t.Error("LoggerFromContext() returned the default logger inside a request")
		}
	}))

	t.Run("caller id is kept", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/codes/validate", nil)
		req.Header.Set(RequestIDHeader, "checkout-42")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if seen != "checkout-42" {
			t.Fatalf("request id = %q, want checkout-42", seen)
		}
	})

	t.Run("bad caller id is replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/codes/validate", nil)
		req.Header.Set(RequestIDHeader, "has space")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if len(seen) != 16 {
			t.Fatalf("request id = %q, want generated 16-char id", seen)
		}
	})
}

func TestHTTPRequestLoggingRecordsPrincipal(t *testing.T) {
	var logs logRecords
	validator := &fakeValidator{tokens: map[string]string{"k1.secret": "k1"}}
	handler := HTTPRequestLogging(logs.logger())(NewAuthenticator(validator).HTTP(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	))

	req := httptest.NewRequest(http.MethodDelete, "/v1/discounts/d1", nil)
	req.Header.Set("Authorization", "Bearer k1.secret")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := logs.find(t, "request completed")["principal"]; got != "k1" {
		t.Fatalf("principal = %v, want k1", got)
	}
}

func TestHTTPRequestLoggingNilLogger(t *testing.T) {
	handler := HTTPRequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		wantLevel string
	}{
		{name: "ok", wantCode: "OK", wantLevel: "INFO"},
		{name: "not found", err: status.Error(codes.NotFound, "missing"), wantCode: "NotFound", wantLevel: "WARN"},
		{name: "internal", err: status.Error(codes.Internal, "boom"), wantCode: "Internal", wantLevel: "ERROR"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var logs logRecords
			interceptor := UnaryRequestLoggingInterceptor(logs.logger())
			ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "grpc-7"))
			info := &grpc.UnaryServerInfo{FullMethod: "/promoz.v1.RuleService/ValidateCode"}

			_, err := interceptor(ctx, "req", info, func(ctx context.Context, _ any) (any, error) {
				if id, _ := RequestIDFromContext(ctx); id != "grpc-7" {
					t.Errorf("RequestIDFromContext() = %q, want grpc-7", id)
				}
				return nil, test.err
			})
			if status.Code(err) != status.Code(test.err) {
				t.Fatalf("interceptor() error = %v, want %v", err, test.err)
			}

			done := logs.find(t, "request completed")
			if done["status_code"] != test.wantCode || done["level"] != test.wantLevel {
				t.Fatalf("record = %v, want status_code %s at %s", done, test.wantCode, test.wantLevel)
			}
			if done["method"] != info.FullMethod || done["request_id"] != "grpc-7" {
				t.Fatalf("record = %v, want method and request id", done)
			}
		})
	}
}

func TestStreamRequestLoggingInterceptor(t *testing.T) {
	var logs logRecords
	interceptor := StreamRequestLoggingInterceptor(logs.logger())
	info := &grpc.StreamServerInfo{FullMethod: "/promoz.v1.RuleService/WatchEvents"}

	err := interceptor(struct{}{}, &fakeStream{ctx: context.Background()}, info, func(_ any, ss grpc.ServerStream) error {
		if id, ok := RequestIDFromContext(ss.Context()); !ok || len(id) != 16 {
			t.Errorf("RequestIDFromContext() = %q, %v; want generated id", id, ok)
		}
		return status.Error(codes.Canceled, "client went away")
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("interceptor() error = %v, want Canceled", err)
	}

	logs.find(t, "stream started")
	done := logs.find(t, "stream completed")
	if done["status_code"] != "Canceled" || done["level"] != "INFO" {
		t.Fatalf("record = %v, want Canceled at INFO", done)
	}
}

func TestAcceptRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "empty", incoming: ""},
		{name: "printable", incoming: "abc-123_XYZ", keep: true},
		{name: "contains space", incoming: "abc 123"},
		{name: "control character", incoming: "abc\n123"},
		{name: "non-ascii", incoming: "café"},
		{name: "max length", incoming: strings.Repeat("a", maxRequestIDLength), keep: true},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLength+1)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := acceptRequestID(test.incoming)
			if test.keep && got != test.incoming {
				t.Fatalf("acceptRequestID(%q) = %q, want input kept", test.incoming, got)
			}
			if !test.keep && len(got) != 16 {
				t.Fatalf("acceptRequestID(%q) = %q, want generated 16-char id", test.incoming, got)
			}
		})
	}
}

func TestLoggerFromContextDefault(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("LoggerFromContext() without a request logger should return slog.Default()")
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("RequestIDFromContext() ok = true for an empty context")
	}
}
