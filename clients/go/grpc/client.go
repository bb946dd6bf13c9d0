// Package grpc provides a gRPC client for the promoz rule service.
//
// The service exchanges google.protobuf.Struct messages holding the same JSON
// documents as the HTTP API, so no generated stubs are needed.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	promoz "github.com/matt-riley/promoz/clients/go"
)

const serviceName = "promoz.v1.RuleService"

const (
	methodValidateCode  = "/" + serviceName + "/ValidateCode"
	methodRedeemCode    = "/" + serviceName + "/RedeemCode"
	methodQuoteShipping = "/" + serviceName + "/QuoteShipping"
	methodWatchEvents   = "/" + serviceName + "/WatchEvents"
)

var watchEventsStreamDesc = &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the promoz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements promoz.Evaluator and promoz.Streamer over gRPC. Rule
// management is only exposed over HTTP.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var (
	_ promoz.Evaluator = (*Client)(nil)
	_ promoz.Streamer  = (*Client)(nil)
)

// NewGRPCClient dials the promoz gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("promoz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

// -- wire helpers ------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("promoz: encode request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("promoz: encode request: %w", err)
	}
	return msg, nil
}

func fromStruct(msg *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("promoz: decode response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("promoz: decode response: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, resp); err != nil {
		return fmt.Errorf("promoz: %s: %w", method, err)
	}
	return fromStruct(resp, out)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) ValidateCode(ctx context.Context, req promoz.ValidateRequest) (promoz.ValidationResult, error) {
	var out promoz.ValidationResult
	err := c.invoke(ctx, methodValidateCode, req, &out)
	return out, err
}

func (c *Client) RedeemCode(ctx context.Context, req promoz.ValidateRequest) (promoz.ValidationResult, error) {
	var out promoz.ValidationResult
	err := c.invoke(ctx, methodRedeemCode, req, &out)
	return out, err
}

func (c *Client) QuoteShipping(ctx context.Context, req promoz.QuoteRequest) ([]promoz.ShippingQuote, error) {
	var out struct {
		Quotes []promoz.ShippingQuote `json:"quotes"`
	}
	if err := c.invoke(ctx, methodQuoteShipping, req, &out); err != nil {
		return nil, err
	}
	return out.Quotes, nil
}

// -- Streamer ----------------------------------------------------------------

type wireEvent struct {
	EventID   int64           `json:"event_id"`
	Resource  string          `json:"resource"`
	Key       string          `json:"key"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Stream opens the WatchEvents gRPC stream and emits RuleEvents on the
// returned channel. The channel is closed when ctx is cancelled or the
// stream ends.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan promoz.RuleEvent, error) {
	in, err := toStruct(map[string]int64{"last_event_id": lastEventID})
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(c.authCtx(ctx), watchEventsStreamDesc, methodWatchEvents)
	if err != nil {
		return nil, fmt.Errorf("promoz: WatchEvents: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("promoz: WatchEvents: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("promoz: WatchEvents: %w", err)
	}

	ch := make(chan promoz.RuleEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					sendStreamError(ctx, ch, err)
				}
				return
			}
			ev, ok := toRuleEvent(msg)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func toRuleEvent(msg *structpb.Struct) (promoz.RuleEvent, bool) {
	var we wireEvent
	if err := fromStruct(msg, &we); err != nil {
		return promoz.RuleEvent{}, false
	}
	ev := promoz.RuleEvent{
		EventID:  we.EventID,
		Resource: we.Resource,
		Key:      we.Key,
		Data:     we.Data,
	}
	switch we.EventType {
	case "update", "updated":
		ev.Type = "update"
	case "delete", "deleted":
		ev.Type = "delete"
	default:
		return promoz.RuleEvent{}, false
	}
	return ev, true
}

// sendStreamError surfaces a broken stream as an "error" event, mirroring the
// SSE transport.
func sendStreamError(ctx context.Context, ch chan<- promoz.RuleEvent, err error) {
	data, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return
	}
	select {
	case ch <- promoz.RuleEvent{Type: "error", Data: data}:
	case <-ctx.Done():
	}
}
