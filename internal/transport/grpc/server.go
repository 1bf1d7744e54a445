package grpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"zippcall/internal/event"
	"zippcall/internal/model"
	"zippcall/internal/repository"
	"zippcall/internal/service"
)

type Server struct {
	svc  service.LedgerService
	sink repository.TransactionSink
	srv  *grpc.Server
	addr string
}

// NewServer registers LedgerService and EventService. sink may be nil, in which case
// transactions.created events published to this server are rejected.
// LedgerService calls must carry token as a bearer credential; with an empty token they are refused.
func NewServer(addr string, svc service.LedgerService, sink repository.TransactionSink, timeout time.Duration, token string) *Server {
	s := &Server{svc: svc, sink: sink, addr: addr}
	s.srv = grpc.NewServer(grpc.ChainUnaryInterceptor(deadline(timeout), logErrors, requireToken(token)))
	s.register(s.srv)
	return s
}

func (s *Server) register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&ledgerServiceDesc, s)
	reg.RegisterService(&eventServiceDesc, s)
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

// Publish accepts inbound notifications (events.deposit, events.call) and, when this service is
// the bus consumer, committed transaction events.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if req.Topic == repository.TopicTransactionCreated {
		if s.sink == nil {
			return nil, status.Error(codes.Unimplemented, "no consumer for "+req.Topic)
		}
		var ev model.TransactionEvent
		if err := json.Unmarshal(req.Payload, &ev); err != nil {
			return nil, status.Error(codes.InvalidArgument, "malformed transaction event")
		}
		if err := s.sink.Project(ctx, ev); err != nil {
			return nil, toStatus(err)
		}
		return &EventResponse{Success: true}, nil
	}

	kind, ok := event.KindForTopic(req.Topic)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown topic %q", req.Topic)
	}
	res, err := s.svc.Handle(ctx, kind, req.Payload, req.Signature)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EventResponse{
		Success:       true,
		Outcome:       string(res.Outcome),
		NewBalance:    res.NewBalance,
		TransactionID: res.TransactionID,
	}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	bal, err := s.svc.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, BalanceCents: bal, Currency: model.Currency}, nil
}

func (s *Server) ListTransactions(ctx context.Context, req *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	txns, err := s.svc.ListTransactions(ctx, req.UserID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListTransactionsResponse{Transactions: txns}, nil
}

func (s *Server) GetRate(ctx context.Context, req *RateRequest) (*RateResponse, error) {
	rate, err := s.svc.GetRate(ctx, req.Destination)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RateResponse{Rate: rate}, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, model.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrUnknownDestination), errors.Is(err, model.ErrInsufficientFunds):
		code = codes.FailedPrecondition
	case model.Retryable(err), errors.Is(err, context.DeadlineExceeded):
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

func deadline(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}

// requireToken guards the read API. EventService.Publish stays open: inbound events carry
// their own signatures and transaction events only trigger a re-read of the ledger.
func requireToken(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ledgerServiceName+"/") {
			return handler(ctx, req)
		}
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "ledger service is disabled: no token configured")
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var got string
		if vals := md.Get("authorization"); len(vals) > 0 {
			got = strings.TrimPrefix(vals[0], "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid service token")
		}
		return handler(ctx, req)
	}
}

func logErrors(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Warn("grpc call failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err)
	}
	return resp, err
}

