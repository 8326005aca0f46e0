package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ssd-technologies/confluence/internal/aggregate"
)

const (
	// ServiceName is the fully-qualified RPC service name.
	ServiceName = "confluence.capability.v1.CapabilityService"

	HashProcedure      = "/" + ServiceName + "/Hash"
	SignProcedure      = "/" + ServiceName + "/Sign"
	AggregateProcedure = "/" + ServiceName + "/Aggregate"
)

// NewHandler exposes svc over connect RPC. It returns the path prefix to mount
// the handler on.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()

	mux.Handle(HashProcedure, connect.NewUnaryHandler(HashProcedure,
		func(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.StringValue], error) {
			digest, err := svc.Hash(ctx, req.Msg.GetValue())
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(wrapperspb.String(digest)), nil
		}, opts...))

	mux.Handle(SignProcedure, connect.NewUnaryHandler(SignProcedure,
		func(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[structpb.Struct], error) {
			sig, err := svc.Sign(ctx, req.Msg.GetValue())
			if err != nil {
				return nil, toConnectError(err)
			}
			out, err := structpb.NewStruct(map[string]any{
				"public_key": base64.StdEncoding.EncodeToString(sig.PublicKey),
				"signature":  base64.StdEncoding.EncodeToString(sig.Value),
			})
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(out), nil
		}, opts...))

	mux.Handle(AggregateProcedure, connect.NewUnaryHandler(AggregateProcedure,
		func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[wrapperspb.DoubleValue], error) {
			values, trim, err := decodeAggregateRequest(req.Msg)
			if err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
			v, err := svc.Aggregate(ctx, values, trim)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(wrapperspb.Double(v)), nil
		}, opts...))

	return "/" + ServiceName + "/", mux
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, aggregate.ErrEmpty), errors.Is(err, aggregate.ErrTrimFraction), errors.Is(err, aggregate.ErrNonFinite):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func encodeAggregateRequest(values []float64, trim float64) (*structpb.Struct, error) {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	return structpb.NewStruct(map[string]any{
		"values":        list,
		"trim_fraction": trim,
	})
}

func decodeAggregateRequest(s *structpb.Struct) ([]float64, float64, error) {
	fields := s.GetFields()
	listVal, ok := fields["values"]
	if !ok || listVal.GetListValue() == nil {
		return nil, 0, fmt.Errorf("missing values")
	}
	raw := listVal.GetListValue().GetValues()
	values := make([]float64, len(raw))
	for i, v := range raw {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, 0, fmt.Errorf("values[%d] is not a number", i)
		}
		values[i] = v.GetNumberValue()
	}
	return values, fields["trim_fraction"].GetNumberValue(), nil
}

// RemoteService is the networked source: a client for a Service exposed with
// NewHandler on another host.
type RemoteService struct {
	hash *connect.Client[wrapperspb.BytesValue, wrapperspb.StringValue]
	sign *connect.Client[wrapperspb.BytesValue, structpb.Struct]
	agg  *connect.Client[structpb.Struct, wrapperspb.DoubleValue]
}

// NewRemoteService creates a client for the service rooted at baseURL.
func NewRemoteService(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RemoteService {
	base := strings.TrimRight(baseURL, "/")
	return &RemoteService{
		hash: connect.NewClient[wrapperspb.BytesValue, wrapperspb.StringValue](httpClient, base+HashProcedure, opts...),
		sign: connect.NewClient[wrapperspb.BytesValue, structpb.Struct](httpClient, base+SignProcedure, opts...),
		agg:  connect.NewClient[structpb.Struct, wrapperspb.DoubleValue](httpClient, base+AggregateProcedure, opts...),
	}
}

func (r *RemoteService) Hash(ctx context.Context, data []byte) (string, error) {
	resp, err := r.hash.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(data)))
	if err != nil {
		return "", fmt.Errorf("remote hash: %w", err)
	}
	return resp.Msg.GetValue(), nil
}

func (r *RemoteService) Sign(ctx context.Context, msg []byte) (Signature, error) {
	resp, err := r.sign.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(msg)))
	if err != nil {
		return Signature{}, fmt.Errorf("remote sign: %w", err)
	}
	fields := resp.Msg.GetFields()
	pub, err := base64.StdEncoding.DecodeString(fields["public_key"].GetStringValue())
	if err != nil {
		return Signature{}, fmt.Errorf("remote sign: decode public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"].GetStringValue())
	if err != nil {
		return Signature{}, fmt.Errorf("remote sign: decode signature: %w", err)
	}
	return Signature{PublicKey: pub, Value: sig}, nil
}

func (r *RemoteService) Aggregate(ctx context.Context, values []float64, trimFraction float64) (float64, error) {
	req, err := encodeAggregateRequest(values, trimFraction)
	if err != nil {
		return 0, fmt.Errorf("remote aggregate: %w", err)
	}
	resp, err := r.agg.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return 0, fmt.Errorf("remote aggregate: %w", err)
	}
	return resp.Msg.GetValue(), nil
}

// Probe reports whether the remote service answers within ctx.
func (r *RemoteService) Probe(ctx context.Context) bool {
	_, err := r.Hash(ctx, nil)
	return err == nil
}
