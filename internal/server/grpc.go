package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/promoz/internal/metrics"
	"github.com/matt-riley/promoz/internal/repository"
	"github.com/matt-riley/promoz/internal/service"
)

// RuleServiceName is the fully qualified gRPC service name.
const RuleServiceName = "promoz.v1.RuleService"

const defaultGRPCStreamPollInterval = time.Second

// RuleServiceServer is the server API for promoz.v1.RuleService. Requests and
// responses are google.protobuf.Struct messages carrying the same JSON
// documents the HTTP API accepts and returns.
type RuleServiceServer interface {
	ValidateCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RedeemCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QuoteShipping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterRuleServiceServer registers srv on s.
func RegisterRuleServiceServer(s grpc.ServiceRegistrar, srv RuleServiceServer) {
	s.RegisterService(&ruleServiceDesc, srv)
}

var ruleServiceDesc = grpc.ServiceDesc{
	ServiceName: RuleServiceName,
	HandlerType: (*RuleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateCode", Handler: unaryHandler(RuleServiceServer.ValidateCode, "ValidateCode")},
		{MethodName: "RedeemCode", Handler: unaryHandler(RuleServiceServer.RedeemCode, "RedeemCode")},
		{MethodName: "QuoteShipping", Handler: unaryHandler(RuleServiceServer.QuoteShipping, "QuoteShipping")},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "promoz/v1/rules.proto",
}

func unaryHandler(call func(RuleServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	fullMethod := "/" + RuleServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RuleServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RuleServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RuleServiceServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// GRPCServer implements RuleService on top of [Service].
type GRPCServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
}

type watchEventsRequest struct {
	LastEventID int64 `json:"last_event_id"`
}

func NewGRPCServer(svc Service) *GRPCServer {
	return NewGRPCServerWithOptions(svc, defaultGRPCStreamPollInterval, nil)
}

// NewGRPCServerWithOptions creates a [GRPCServer] polling the event feed
// every streamPollInterval for WatchEvents. m may be nil.
func NewGRPCServerWithOptions(svc Service, streamPollInterval time.Duration, m *metrics.Metrics) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultGRPCStreamPollInterval
	}

	return &GRPCServer{
		service:            svc,
		metrics:            m,
		streamPollInterval: streamPollInterval,
	}
}

func (s *GRPCServer) ValidateCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.evaluateCode(ctx, req, s.service.ValidateCode)
}

func (s *GRPCServer) RedeemCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.evaluateCode(ctx, req, s.service.RedeemCode)
}

func (s *GRPCServer) evaluateCode(ctx context.Context, req *structpb.Struct, evaluate func(context.Context, service.ValidateRequest) (service.ValidationResult, error)) (*structpb.Struct, error) {
	var request service.ValidateRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	result, err := evaluate(ctx, request)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(result)
}

func (s *GRPCServer) QuoteShipping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request service.QuoteRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	quotes, err := s.service.QuoteShipping(ctx, request)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(quoteJSONResponse{Quotes: quotes})
}

func (s *GRPCServer) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var request watchEventsRequest
	if err := decodeStruct(req, &request); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if request.LastEventID < 0 {
		return status.Error(codes.InvalidArgument, "last_event_id must be non-negative")
	}

	if s.metrics != nil {
		defer s.metrics.TrackStream("grpc")()
	}

	lastEventID := request.LastEventID
	sendEvents := func(ctx context.Context) error {
		events, err := s.service.ListEventsSince(ctx, lastEventID)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			if toSSEEventName(event.EventType) == "" {
				continue
			}

			msg, err := repositoryEventToStruct(event)
			if err != nil {
				return status.Error(codes.Internal, "encode event")
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				if stream.Context().Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrRuleEvaluation):
		return status.Error(codes.Internal, "internal server error")
	case isValidationError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case isNotFoundError(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

// decodeStruct converts a Struct to JSON and decodes it into dst, rejecting
// unknown fields like the HTTP API does.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return nil
	}

	payload, err := protojson.Marshal(in)
	if err != nil {
		return err
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func encodeStruct(value any) (*structpb.Struct, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func repositoryEventToStruct(event repository.RuleEvent) (*structpb.Struct, error) {
	payload, err := json.Marshal(map[string]any{
		"event_id":   event.EventID,
		"resource":   event.Resource,
		"key":        event.ResourceKey,
		"event_type": event.EventType,
		"data":       nonEmptyJSON(event.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event %d: %w", event.EventID, err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("convert event %d: %w", event.EventID, err)
	}
	return out, nil
}
