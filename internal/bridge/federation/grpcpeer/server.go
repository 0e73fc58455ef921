package grpcpeer

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
	"github.com/sebas/connbridge/internal/logger"
)

// Creator places an outgoing call on the local backend and reports the
// outcome through resp. bridge.Service implements it.
type Creator interface {
	CreateConnectionFor(ctx context.Context, req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) error
}

// peerServer is the handler type of the hand-written service descriptor.
type peerServer interface {
	ListAccounts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CreateConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodListAccounts, Handler: unaryHandler(methodListAccounts, peerServer.ListAccounts)},
		{MethodName: methodCreateConnection, Handler: unaryHandler(methodCreateConnection, peerServer.CreateConnection)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "connbridge/federation/v1/peer.proto",
}

func unaryHandler(method string, call func(peerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(peerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(peerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server exposes the local bridge to peer nodes.
type Server struct {
	name     string
	accounts []federation.Account
	creator  Creator
}

// NewServer creates a peer server that advertises accounts and places
// calls through creator.
func NewServer(name string, accounts []federation.Account, creator Creator) *Server {
	return &Server{name: name, accounts: accounts, creator: creator}
}

// Register attaches the peer service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// ListAccounts returns the local accounts serving the requested handle, or
// every account when no handle is given.
func (s *Server) ListAccounts(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	handle := in.GetFields()["handle"].GetStringValue()

	var matched []federation.Account
	for _, a := range s.accounts {
		if handle == "" || a.Serves(handle) {
			matched = append(matched, a)
		}
	}
	slog.Debug("[Peer] ListAccounts", "handle", logger.SafeAddress(handle), "matched", len(matched))
	return encodeAccounts(matched)
}

// CreateConnection places the call locally and blocks until the backend
// reports an outcome. Call failures are carried in the reply, not as RPC
// errors.
func (s *Server) CreateConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := decodeRequest(in)
	slog.Info("[Peer] CreateConnection", "call_id", req.CallID, "address", logger.SafeAddress(req.Address))

	type outcome struct {
		out *structpb.Struct
		err error
	}
	done := make(chan outcome, 1)
	reply := func(out *structpb.Struct, err error) {
		select {
		case done <- outcome{out, err}:
		default:
		}
	}

	err := s.creator.CreateConnectionFor(ctx, req, connection.OutgoingFuncs[*connection.Connection]{
		Success: func(r connection.Request, c *connection.Connection) {
			rc := &federation.RemoteConnection{
				Provider: s.name,
				CallID:   r.CallID,
				State:    connection.CallStateOf(c.State()),
			}
			if c.Presentation() == connection.PresentationAllowed {
				rc.Address = c.Address()
			}
			reply(encodeOutcome(resultSuccess, rc, connection.CauseNone, ""))
		},
		Failure: func(_ connection.Request, cause connection.DisconnectCause, msg string) {
			reply(encodeOutcome(resultFailure, nil, cause, msg))
		},
		Cancel: func(connection.Request) {
			reply(encodeOutcome(resultCancel, nil, connection.CauseCanceled, ""))
		},
	})
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "create connection: %v", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			slog.Error("[Peer] Failed to encode reply", "call_id", req.CallID, "error", o.err)
			return nil, status.Errorf(codes.Internal, "encode outcome: %v", o.err)
		}
		return o.out, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}
