package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/promoz/internal/metrics"
	"github.com/matt-riley/promoz/internal/repository"
	"github.com/matt-riley/promoz/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// HTTPOption configures an [HTTPServer].
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps the size of decoded JSON request bodies.
// Non-positive values keep the 1MB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

type quoteJSONResponse struct {
	Quotes []service.ShippingQuote `json:"quotes"`
}

type streamEventJSON struct {
	Resource  string          `json:"resource"`
	Key       string          `json:"key"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, defaultStreamPollInterval, nil)
}

// NewHTTPHandlerWithOptions builds the REST and SSE handler. When m is nil
// the /metrics route is not registered.
func NewHTTPHandlerWithOptions(svc Service, streamPollInterval time.Duration, m *metrics.Metrics, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		metrics:            m,
		streamPollInterval: streamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/discounts", server.handleCreateDiscount)
	mux.HandleFunc("GET /v1/discounts", server.handleListDiscounts)
	mux.HandleFunc("GET /v1/discounts/{id}", server.handleGetDiscount)
	mux.HandleFunc("PUT /v1/discounts/{id}", server.handleUpdateDiscount)
	mux.HandleFunc("DELETE /v1/discounts/{id}", server.handleDeleteDiscount)

	mux.HandleFunc("POST /v1/codes", server.handleCreateCode)
	mux.HandleFunc("GET /v1/codes", server.handleListCodes)
	mux.HandleFunc("POST /v1/codes/validate", server.handleValidateCode)
	mux.HandleFunc("POST /v1/codes/redeem", server.handleRedeemCode)
	mux.HandleFunc("GET /v1/codes/{code}", server.handleGetCode)
	mux.HandleFunc("DELETE /v1/codes/{code}", server.handleDeleteCode)

	mux.HandleFunc("POST /v1/shipping-options", server.handleCreateShippingOption)
	mux.HandleFunc("GET /v1/shipping-options", server.handleListShippingOptions)
	mux.HandleFunc("GET /v1/shipping-options/{id}", server.handleGetShippingOption)
	mux.HandleFunc("PUT /v1/shipping-options/{id}", server.handleUpdateShippingOption)
	mux.HandleFunc("DELETE /v1/shipping-options/{id}", server.handleDeleteShippingOption)
	mux.HandleFunc("POST /v1/shipping/quote", server.handleQuoteShipping)

	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return mux
}

func (s *HTTPServer) handleCreateDiscount(w http.ResponseWriter, r *http.Request) {
	var discount repository.Discount
	if err := s.decodeJSONBody(w, r, &discount); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateDiscount(r.Context(), discount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListDiscounts(w http.ResponseWriter, r *http.Request) {
	discounts, err := s.service.ListDiscounts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, discounts)
}

func (s *HTTPServer) handleGetDiscount(w http.ResponseWriter, r *http.Request) {
	discount, err := s.service.GetDiscount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, discount)
}

func (s *HTTPServer) handleUpdateDiscount(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var discount repository.Discount
	if err := s.decodeJSONBody(w, r, &discount); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(discount.ID) != "" && discount.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	discount.ID = id

	updated, err := s.service.UpdateDiscount(r.Context(), discount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteDiscount(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDiscount(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateCode(w http.ResponseWriter, r *http.Request) {
	var code repository.DiscountCode
	if err := s.decodeJSONBody(w, r, &code); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateDiscountCode(r.Context(), code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.service.ListDiscountCodes(r.Context(), strings.TrimSpace(r.URL.Query().Get("discount_id")))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, codes)
}

func (s *HTTPServer) handleGetCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.service.GetDiscountCode(r.Context(), r.PathValue("code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, code)
}

func (s *HTTPServer) handleDeleteCode(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDiscountCode(r.Context(), r.PathValue("code")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	s.handleCodeEvaluation(w, r, s.service.ValidateCode)
}

func (s *HTTPServer) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	s.handleCodeEvaluation(w, r, s.service.RedeemCode)
}

func (s *HTTPServer) handleCodeEvaluation(w http.ResponseWriter, r *http.Request, evaluate func(context.Context, service.ValidateRequest) (service.ValidationResult, error)) {
	var request service.ValidateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := evaluate(r.Context(), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateShippingOption(w http.ResponseWriter, r *http.Request) {
	// Options are enabled unless the body says otherwise.
	option := repository.ShippingOption{Enabled: true}
	if err := s.decodeJSONBody(w, r, &option); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateShippingOption(r.Context(), option)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListShippingOptions(w http.ResponseWriter, r *http.Request) {
	options, err := s.service.ListShippingOptions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (s *HTTPServer) handleGetShippingOption(w http.ResponseWriter, r *http.Request) {
	option, err := s.service.GetShippingOption(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, option)
}

func (s *HTTPServer) handleUpdateShippingOption(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	option := repository.ShippingOption{Enabled: true}
	if err := s.decodeJSONBody(w, r, &option); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(option.ID) != "" && option.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	option.ID = id

	updated, err := s.service.UpdateShippingOption(r.Context(), option)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteShippingOption(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteShippingOption(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleQuoteShipping(w http.ResponseWriter, r *http.Request) {
	var request service.QuoteRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	quotes, err := s.service.QuoteShipping(r.Context(), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteJSONResponse{Quotes: quotes})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.RuleEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload, err := json.Marshal(streamEventJSON{
				Resource:  event.Resource,
				Key:       event.ResourceKey,
				EventType: event.EventType,
				Data:      nonEmptyJSON(event.Payload),
			})
			if err != nil {
				return err
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		defer s.metrics.TrackStream("sse")()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func nonEmptyJSON(payload json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage(`{}`)
	}
	return payload
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeJSONError(w, serviceErrorStatus(err), serviceErrorMessage(err))
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrRuleEvaluation):
		return http.StatusInternalServerError
	case isValidationError(err):
		return http.StatusBadRequest
	case isNotFoundError(err):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// serviceErrorMessage exposes client errors verbatim and hides everything
// else behind a generic message.
func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrRuleEvaluation):
		return "internal server error"
	case isValidationError(err), isNotFoundError(err), errors.Is(err, service.ErrAlreadyExists):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "internal server error"
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrInvalidDiscount) ||
		errors.Is(err, service.ErrInvalidConditions) ||
		errors.Is(err, service.ErrInvalidCode) ||
		errors.Is(err, service.ErrInvalidShippingOption) ||
		errors.Is(err, service.ErrInvalidRequest)
}

func isNotFoundError(err error) bool {
	return errors.Is(err, service.ErrDiscountNotFound) ||
		errors.Is(err, service.ErrCodeNotFound) ||
		errors.Is(err, service.ErrShippingOptionNotFound)
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
