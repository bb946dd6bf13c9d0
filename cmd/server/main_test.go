package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/promoz/internal/middleware"
	"github.com/matt-riley/promoz/internal/repository"
)

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /v1/discounts", func(w http.ResponseWriter, r *http.Request) {
		if principal, ok := middleware.PrincipalFromContext(r.Context()); !ok || principal != "key-1" {
			t.Errorf("principal = %q, %v, want key-1", principal, ok)
		}
		w.WriteHeader(http.StatusOK)
	})

	validator := &fakeHTTPTokenValidator{principal: "key-1"}
	handler := newHTTPHandler(apiHandler, middleware.NewAuthenticator(validator))

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/%76%31/discounts", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/discounts", nil)
		req.Header.Set("Authorization", "Bearer key-1.secret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, 1)
		}
	})
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	for _, pattern := range []string{"GET /healthz", "GET /metrics", "GET /debug"} {
		apiHandler.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	handler := newHTTPHandler(apiHandler, middleware.NewAuthenticator(&fakeHTTPTokenValidator{err: errors.New("invalid token")}))

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestNewHTTPHandlerRateLimitsRepeatedFailures(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /v1/discounts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	limiter := middleware.NewRateLimiter(2)

	failures := 0
	validator := &fakeHTTPTokenValidator{err: errors.New("invalid token")}
	handler := newHTTPHandler(apiHandler, middleware.NewAuthenticator(validator,
		middleware.WithRateLimiter(limiter),
		middleware.WithOnAuthFailure(func() { failures++ }),
	))

	var statuses []int
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/v1/discounts", nil)
		req.RemoteAddr = "203.0.113.7:51000"
		req.Header.Set("Authorization", "Bearer bad.token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	if failures != 3 {
		t.Fatalf("auth failures = %d, want 3", failures)
	}
	if validator.calls != 2 {
		t.Fatalf("ValidateToken calls = %d, want 2 (throttled request is not validated)", validator.calls)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{name: "default serve", args: nil, want: command{name: commandServe}},
		{name: "explicit serve", args: []string{"serve"}, want: command{name: commandServe}},
		{name: "migrate", args: []string{"migrate"}, want: command{name: commandMigrate}},
		{name: "list keys", args: []string{"list-api-keys"}, want: command{name: commandListAPIKeys}},
		{name: "create key", args: []string{"create-api-key", "checkout"}, want: command{name: commandCreateAPIKey, arg: "checkout"}},
		{name: "revoke key", args: []string{"revoke-api-key", "abc123"}, want: command{name: commandRevokeAPIKey, arg: "abc123"}},
		{name: "create key without name", args: []string{"create-api-key"}, wantErr: true},
		{name: "revoke key with empty id", args: []string{"revoke-api-key", ""}, wantErr: true},
		{name: "migrate with extra arg", args: []string{"migrate", "down"}, wantErr: true},
		{name: "unknown", args: []string{"seed"}, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := parseCommand(test.args)
			if test.wantErr {
				if !errors.Is(err, errUsage) {
					t.Fatalf("parseCommand(%q) error = %v, want usage error", test.args, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%q) error = %v", test.args, err)
			}
			if got != test.want {
				t.Fatalf("parseCommand(%q) = %+v, want %+v", test.args, got, test.want)
			}
		})
	}
}

func TestCreateAPIKeyPrintsTokenOnce(t *testing.T) {
	store := &fakeAPIKeyStore{createdID: "k1", createdSecret: "s3cret"}
	var out bytes.Buffer

	if err := createAPIKey(context.Background(), store, "checkout", &out); err != nil {
		t.Fatalf("createAPIKey() error = %v", err)
	}
	if store.createdName != "checkout" {
		t.Fatalf("CreateAPIKey name = %q, want checkout", store.createdName)
	}
	if strings.Count(out.String(), "k1.s3cret") != 1 {
		t.Fatalf("output = %q, want token k1.s3cret printed once", out.String())
	}
}

func TestListAPIKeys(t *testing.T) {
	revokedAt := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeAPIKeyStore{keys: []repository.APIKeyMeta{
		{ID: "k1", Name: "checkout", CreatedAt: time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)},
		{ID: "k2", Name: "old-cart", CreatedAt: time.Date(2025, time.December, 1, 8, 0, 0, 0, time.UTC), RevokedAt: &revokedAt},
	}}
	var out bytes.Buffer

	if err := listAPIKeys(context.Background(), store, &out); err != nil {
		t.Fatalf("listAPIKeys() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output lines = %d, want 3: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "checkout") || !strings.HasSuffix(strings.TrimSpace(lines[1]), "-") {
		t.Fatalf("active key line = %q, want checkout with no revocation", lines[1])
	}
	if !strings.Contains(lines[2], "2026-03-02T09:00:00Z") {
		t.Fatalf("revoked key line = %q, want revocation timestamp", lines[2])
	}
}

func TestRevokeAPIKey(t *testing.T) {
	t.Run("revokes", func(t *testing.T) {
		store := &fakeAPIKeyStore{}
		var out bytes.Buffer

		if err := revokeAPIKey(context.Background(), store, "k1", &out); err != nil {
			t.Fatalf("revokeAPIKey() error = %v", err)
		}
		if store.revokedID != "k1" {
			t.Fatalf("RevokeAPIKey id = %q, want k1", store.revokedID)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		store := &fakeAPIKeyStore{revokeErr: fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)}

		err := revokeAPIKey(context.Background(), store, "missing", &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), "not found or already revoked") {
			t.Fatalf("revokeAPIKey() error = %v, want not found", err)
		}
	})
}

type fakeHTTPTokenValidator struct {
	err       error
	calls     int
	principal string
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.principal, f.err
}

type fakeAPIKeyStore struct {
	createdID     string
	createdSecret string
	createdName   string
	keys          []repository.APIKeyMeta
	revokedID     string
	revokeErr     error
}

func (f *fakeAPIKeyStore) CreateAPIKey(_ context.Context, name string) (string, string, error) {
	f.createdName = name
	return f.createdID, f.createdSecret, nil
}

func (f *fakeAPIKeyStore) ListAPIKeys(context.Context) ([]repository.APIKeyMeta, error) {
	return f.keys, nil
}

func (f *fakeAPIKeyStore) RevokeAPIKey(_ context.Context, keyID string) error {
	f.revokedID = keyID
	return f.revokeErr
}
