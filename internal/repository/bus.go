package repository

import (
	"context"

	"zippcall/internal/model"
)

const TopicTransactionCreated = "transactions.created"

type MessageBus interface {
	Publish(topic string, data []byte) error
}

// TransactionSink consumes committed transaction events from the bus.
type TransactionSink interface {
	Project(ctx context.Context, ev model.TransactionEvent) error
}
