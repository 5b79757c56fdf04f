package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/collateral/libs/rpc"
	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const ServiceName = "vault.ledger.v1.Ledger"

type SendRequest struct {
	Instruction ledger.Envelope `json:"instruction"`
}

type SendResponse struct {
	Confirmation ledger.Confirmation `json:"confirmation"`
}

type FetchAccountRequest struct {
	Address uuid.UUID `json:"address"`
}

type FetchAccountResponse struct {
	Data []byte `json:"data"`
}

type FundRequest struct {
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
}

type FundResponse struct {
	Account account.TokenAccount `json:"account"`
}

type CallerRequest struct {
	ID         uuid.UUID `json:"id"`
	Executable bool      `json:"executable"`
}

type CallerResponse struct {
	Caller account.Caller `json:"caller"`
}

// LedgerServer is the RPC surface of a ledger node.
type LedgerServer interface {
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)
	FetchAccount(ctx context.Context, req *FetchAccountRequest) (*FetchAccountResponse, error)
	Fund(ctx context.Context, req *FundRequest) (*FundResponse, error)
	DeployCaller(ctx context.Context, req *CallerRequest) (*CallerResponse, error)
	RevokeCaller(ctx context.Context, req *CallerRequest) (*CallerResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", LedgerServer.Send),
		unary("FetchAccount", LedgerServer.FetchAccount),
		unary("Fund", LedgerServer.Fund),
		unary("DeployCaller", LedgerServer.DeployCaller),
		unary("RevokeCaller", LedgerServer.RevokeCaller),
	},
	Streams: []grpc.StreamDesc{},
}

func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterLedgerServer exposes srv on registrar. Requests are JSON-encoded.
func RegisterLedgerServer(registrar grpc.ServiceRegistrar, srv LedgerServer) {
	registrar.RegisterService(&serviceDesc, srv)
}

// Server adapts a Backend, normally the node's *ledger.Ledger, to LedgerServer.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

func (s *Server) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	in, err := ledger.DecodeInstruction(req.Instruction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	conf, err := s.backend.Send(ctx, in)
	if err != nil {
		return nil, s.toStatus("send", err)
	}
	return &SendResponse{Confirmation: conf}, nil
}

func (s *Server) FetchAccount(ctx context.Context, req *FetchAccountRequest) (*FetchAccountResponse, error) {
	if req.Address == uuid.Nil {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}
	data, err := s.backend.FetchAccount(ctx, req.Address)
	if err != nil {
		return nil, s.toStatus("fetch account", err)
	}
	return &FetchAccountResponse{Data: data}, nil
}

func (s *Server) Fund(ctx context.Context, req *FundRequest) (*FundResponse, error) {
	acct, err := s.backend.Fund(ctx, req.Owner, req.Amount)
	if err != nil {
		return nil, s.toStatus("fund", err)
	}
	return &FundResponse{Account: acct}, nil
}

func (s *Server) DeployCaller(ctx context.Context, req *CallerRequest) (*CallerResponse, error) {
	caller, err := s.backend.DeployCaller(ctx, req.ID, req.Executable)
	if err != nil {
		return nil, s.toStatus("deploy caller", err)
	}
	return &CallerResponse{Caller: caller}, nil
}

func (s *Server) RevokeCaller(ctx context.Context, req *CallerRequest) (*CallerResponse, error) {
	caller, err := s.backend.RevokeCaller(ctx, req.ID)
	if err != nil {
		return nil, s.toStatus("revoke caller", err)
	}
	return &CallerResponse{Caller: caller}, nil
}

// toStatus carries ledger rejections as their error code so the client can
// map them back to the same sentinel.
func (s *Server) toStatus(op string, err error) error {
	var ledgerErr *account.Error
	if errors.As(err, &ledgerErr) {
		return status.Error(statusCode(ledgerErr), ledgerErr.Code)
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error("ledger rpc failed", "op", op, "error", err)
	return status.Error(codes.Internal, op+" failed")
}

func statusCode(err *account.Error) codes.Code {
	switch {
	case err == account.ErrAccountNotFound:
		return codes.NotFound
	case err == account.ErrAccountExists:
		return codes.AlreadyExists
	case err == account.ErrInvalidAmount:
		return codes.InvalidArgument
	case err.Class == account.ClassAuthorization:
		return codes.PermissionDenied
	default:
		return codes.FailedPrecondition
	}
}

// GRPCClient talks to a remote ledger node.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Dial opens an insecure connection that uses the JSON codec by default.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
}

func (c *GRPCClient) Send(ctx context.Context, in ledger.Instruction) (ledger.Confirmation, error) {
	env, err := ledger.EncodeInstruction(in)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	var resp SendResponse
	if err := c.invoke(ctx, "Send", &SendRequest{Instruction: env}, &resp); err != nil {
		return ledger.Confirmation{}, err
	}
	return resp.Confirmation, nil
}

func (c *GRPCClient) FetchAccount(ctx context.Context, address uuid.UUID) ([]byte, error) {
	var resp FetchAccountResponse
	if err := c.invoke(ctx, "FetchAccount", &FetchAccountRequest{Address: address}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *GRPCClient) Fund(ctx context.Context, owner uuid.UUID, amount uint64) (account.TokenAccount, error) {
	var resp FundResponse
	if err := c.invoke(ctx, "Fund", &FundRequest{Owner: owner, Amount: amount}, &resp); err != nil {
		return account.TokenAccount{}, err
	}
	return resp.Account, nil
}

func (c *GRPCClient) DeployCaller(ctx context.Context, id uuid.UUID, executable bool) (account.Caller, error) {
	var resp CallerResponse
	if err := c.invoke(ctx, "DeployCaller", &CallerRequest{ID: id, Executable: executable}, &resp); err != nil {
		return account.Caller{}, err
	}
	return resp.Caller, nil
}

func (c *GRPCClient) RevokeCaller(ctx context.Context, id uuid.UUID) (account.Caller, error) {
	var resp CallerResponse
	if err := c.invoke(ctx, "RevokeCaller", &CallerRequest{ID: id}, &resp); err != nil {
		return account.Caller{}, err
	}
	return resp.Caller, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, rpc.CallOption())
	if err == nil {
		return nil
	}
	return fromStatus(err)
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if ledgerErr, ok := account.Lookup(st.Message()); ok {
		return ledgerErr
	}
	return fmt.Errorf("ledger rpc: %w", err)
}
