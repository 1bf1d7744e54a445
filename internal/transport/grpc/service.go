package grpc

import (
	"context"

	"google.golang.org/grpc"

	"zippcall/internal/model"
	"zippcall/internal/pricing"
)

type EventRequest struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Signature string `json:"signature,omitempty"`
}

type EventResponse struct {
	Success       bool   `json:"success"`
	Outcome       string `json:"outcome,omitempty"`
	NewBalance    int64  `json:"new_balance_cents,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type BalanceRequest struct {
	UserID string `json:"user_id"`
}

type BalanceResponse struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
	Currency     string `json:"currency"`
}

type ListTransactionsRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type ListTransactionsResponse struct {
	Transactions []model.Transaction `json:"transactions"`
}

type RateRequest struct {
	Destination string `json:"destination"`
}

type RateResponse struct {
	Rate pricing.Rate `json:"rate"`
}

type LedgerServiceServer interface {
	GetBalance(context.Context, *BalanceRequest) (*BalanceResponse, error)
	ListTransactions(context.Context, *ListTransactionsRequest) (*ListTransactionsResponse, error)
	GetRate(context.Context, *RateRequest) (*RateResponse, error)
}

type EventServiceServer interface {
	Publish(context.Context, *EventRequest) (*EventResponse, error)
}

const (
	ledgerServiceName = "zippcall.LedgerService"
	eventServiceName  = "zippcall.EventService"

	publishMethod = "/" + eventServiceName + "/Publish"
)

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unary(ledgerServiceName, "GetBalance", LedgerServiceServer.GetBalance)},
		{MethodName: "ListTransactions", Handler: unary(ledgerServiceName, "ListTransactions", LedgerServiceServer.ListTransactions)},
		{MethodName: "GetRate", Handler: unary(ledgerServiceName, "GetRate", LedgerServiceServer.GetRate)},
	},
	Metadata: "zippcall/ledger",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: unary(eventServiceName, "Publish", EventServiceServer.Publish)},
	},
	Metadata: "zippcall/events",
}

// unary adapts a typed method to grpc.MethodHandler, the way generated code does.
func unary[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + service + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
