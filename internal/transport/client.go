package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
)

// DefaultTimeout bounds a single agency call.
const DefaultTimeout = 5 * time.Second

// Client is an agency.Store backed by the gRPC Agency service.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

var _ agency.Store = (*Client)(nil)

// Dial opens a connection to the agency at addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial agency %s: %w", addr, err)
	}
	return conn, nil
}

// NewClient wraps conn; timeout <= 0 uses DefaultTimeout.
func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Read(ctx context.Context) (*agency.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, readMethod, &structpb.Struct{}, out); err != nil {
		return nil, fromStatus(err)
	}

	index, err := parseIndex(out.GetFields()["index"].GetStringValue())
	if err != nil {
		return nil, err
	}
	tree := out.GetFields()["tree"].GetStructValue().AsMap()
	return agency.NewSnapshot(tree, index)
}

func (c *Client) Write(ctx context.Context, txns ...agency.Transaction) (agency.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in, err := toStruct(map[string]any{"transactions": txns})
	if err != nil {
		return agency.WriteResult{}, fmt.Errorf("%w: %v", agency.ErrMalformed, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, writeMethod, in, out); err != nil {
		return agency.WriteResult{}, fromStatus(err)
	}

	res := agency.WriteResult{Accepted: out.GetFields()["accepted"].GetBoolValue()}
	for _, v := range out.GetFields()["indices"].GetListValue().GetValues() {
		idx, err := parseIndex(v.GetStringValue())
		if err != nil {
			return agency.WriteResult{}, err
		}
		res.Indices = append(res.Indices, idx)
	}
	return res, nil
}

func parseIndex(s string) (uint64, error) {
	idx, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: index %q", agency.ErrMalformed, s)
	}
	return idx, nil
}

// fromStatus maps gRPC failures onto agency error kinds.
func fromStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", agency.ErrMalformed, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %w", agency.ErrUnavailable, context.Canceled)
	default:
		return fmt.Errorf("%w: %s", agency.ErrUnavailable, st.Message())
	}
}
