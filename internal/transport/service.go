// ============================================================================
// Agency gRPC Service
// ============================================================================
//
// Package: internal/transport
// 功能: 以 gRPC 對外提供 agency.Store（Read / Write）
//
// 訊息格式:
//   請求與回應都是 google.protobuf.Struct，內容為 JSON 形狀：
//
//   Read  → {"index": "<uint64>", "tree": {...}}
//   Write ← {"transactions": [{"mutations": [...], "preconditions": [...]}]}
//         → {"accepted": true, "indices": ["3", "0"]}
//
//   index 以字串傳遞，避免 uint64 經過 float64 失真
//
// 錯誤碼:
//   InvalidArgument → agency.ErrMalformed
//   其他            → agency.ErrUnavailable（呼叫端下一輪重試）
//
// ============================================================================

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
)

var log = slog.With("component", "transport")

const (
	serviceName = "agency.v1.Agency"
	readMethod  = "/" + serviceName + "/Read"
	writeMethod = "/" + serviceName + "/Write"
)

// agencyServer is the handler type of the service descriptor.
type agencyServer interface {
	Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Write(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*agencyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "Write", Handler: writeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agency/v1/agency.proto",
}

func readHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: readMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(agencyServer).Read(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func writeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: writeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(agencyServer).Write(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes an agency.Store over gRPC.
type Server struct {
	store agency.Store
}

// NewServer 建立 gRPC Agency 服務
func NewServer(store agency.Store) *Server {
	return &Server{store: store}
}

// Register 將服務註冊到 gRPC server
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) Read(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	tree, err := structpb.NewValue(snap.Root().Value())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode tree: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"index": structpb.NewStringValue(strconv.FormatUint(snap.Index(), 10)),
		"tree":  tree,
	}}, nil
}

func (s *Server) Write(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Transactions []agency.Transaction `json:"transactions"`
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode transactions: %v", err)
	}

	res, err := s.store.Write(ctx, body.Transactions...)
	if err != nil {
		log.Warn("Agency write failed", "transactions", len(body.Transactions), "error", err)
		return nil, toStatus(err)
	}

	indices := make([]any, len(res.Indices))
	for i, idx := range res.Indices {
		indices[i] = strconv.FormatUint(idx, 10)
	}
	out, err := structpb.NewStruct(map[string]any{
		"accepted": res.Accepted,
		"indices":  indices,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, agency.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct encodes a JSON-shaped value as a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into out via its JSON form.
func fromStruct(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", agency.ErrMalformed, err)
	}
	return nil
}
