package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"zippcall/internal/event"
	"zippcall/internal/model"
	"zippcall/internal/service"
)

const (
	// HeaderSignature carries the sender's HMAC of the message data.
	HeaderSignature = "Zippcall-Signature"

	queueGroup = "ledger_group"
)

// Reply is sent back when the publisher used request/reply.
type Reply struct {
	Outcome       string `json:"outcome,omitempty"`
	NewBalance    int64  `json:"new_balance_cents,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

// Handler subscribes to inbound event subjects and delegates to the ledger service.
type Handler struct {
	svc     service.LedgerService
	nc      *nats.Conn
	timeout time.Duration
	subs    []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn, timeout time.Duration) *Handler {
	return &Handler{svc: svc, nc: nc, timeout: timeout}
}

// Start subscribes to event subjects and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	for _, topic := range []string{event.TopicDeposit, event.TopicCallCompleted} {
		kind, _ := event.KindForTopic(topic)
		sub, err := h.nc.QueueSubscribe(topic, queueGroup, func(m *nats.Msg) {
			reply := h.handle(ctx, kind, m.Data, signatureOf(m))
			if m.Reply == "" {
				return
			}
			data, _ := json.Marshal(reply)
			if err := m.Respond(data); err != nil {
				slog.Error("nats: failed to reply", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	slog.Info("NATS event handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	slog.Info("NATS event handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func signatureOf(m *nats.Msg) string {
	if m.Header == nil {
		return ""
	}
	return m.Header.Get(HeaderSignature)
}

func (h *Handler) handle(ctx context.Context, kind event.Kind, data []byte, signature string) Reply {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res, err := h.svc.Handle(ctx, kind, data, signature)
	if err != nil {
		slog.Error("nats: event failed", "kind", kind, "error", err)
		return Reply{Error: err.Error(), Retryable: model.Retryable(err)}
	}
	return Reply{
		Outcome:       string(res.Outcome),
		NewBalance:    res.NewBalance,
		TransactionID: res.TransactionID,
	}
}
