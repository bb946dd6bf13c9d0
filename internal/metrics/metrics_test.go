package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.CacheLoadsTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("validate_code", "valid")
	m.RecordEvaluation("validate_code", "valid")
	m.RecordEvaluation("validate_code", "code_expired")
	m.RecordEvaluation("quote_shipping", "no_option")

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("validate_code", "valid")); v != 2 {
		t.Fatalf("expected valid count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("validate_code", "code_expired")); v != 1 {
		t.Fatalf("expected code_expired count 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("quote_shipping", "no_option")); v != 1 {
		t.Fatalf("expected no_option count 1, got %v", v)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("discount", 5)
	if v := testutil.ToFloat64(m.CacheSize.WithLabelValues("discount")); v != 5 {
		t.Fatalf("expected cache size 5, got %v", v)
	}
}

func TestResetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("discount", 10)
	m.SetCacheSize("shipping_option", 20)
	m.ResetCacheSize()

	if n := testutil.CollectAndCount(m.CacheSize); n != 0 {
		t.Fatalf("expected no cache size series after reset, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLoadsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "promoz_cache_loads_total") {
		t.Fatal("expected response to contain promoz_cache_loads_total")
	}
}

func TestIncCounters(t *testing.T) {
	m := New()

	m.IncCacheLoads()
	m.IncCacheLoads()
	m.IncCacheInvalidations()
	m.IncAuthFailures()
	m.IncAuthFailures()
	m.IncAuthFailures()

	if v := testutil.ToFloat64(m.CacheLoadsTotal); v != 2 {
		t.Fatalf("expected cache loads 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheInvalidations); v != 1 {
		t.Fatalf("expected cache invalidations 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.AuthFailuresTotal); v != 3 {
		t.Fatalf("expected auth failures 3, got %v", v)
	}
}

func TestTrackStream(t *testing.T) {
	m := New()

	done := m.TrackStream("sse")
	if v := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse")); v != 1 {
		t.Fatalf("expected 1 active stream, got %v", v)
	}
	done()
	if v := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse")); v != 0 {
		t.Fatalf("expected 0 active streams, got %v", v)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/codes/{code}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := m.HTTPMiddleware(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/codes/SUMMER", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/codes/{code}", "404")); v != 1 {
		t.Fatalf("expected 1 request for matched route, got %v", v)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); v != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", v)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/promoz.v1.RuleService/ValidateCode"}

	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, nil
	})
	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	})

	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("ValidateCode", "OK")); v != 1 {
		t.Fatalf("expected 1 OK call, got %v", v)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("ValidateCode", "InvalidArgument")); v != 1 {
		t.Fatalf("expected 1 InvalidArgument call, got %v", v)
	}
}

func TestStreamServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/promoz.v1.RuleService/WatchEvents"}

	err := interceptor(nil, nil, info, func(any, grpc.ServerStream) error {
		if v := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("grpc")); v != 1 {
			t.Errorf("expected 1 active stream during handler, got %v", v)
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected handler error to be returned")
	}

	if v := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("grpc")); v != 0 {
		t.Fatalf("expected 0 active streams after handler, got %v", v)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("WatchEvents", "Unknown")); v != 1 {
		t.Fatalf("expected 1 Unknown call, got %v", v)
	}
}
