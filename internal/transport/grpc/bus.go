package grpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	ErrBusFull   = errors.New("grpc bus: publish buffer is full")
	ErrBusClosed = errors.New("grpc bus: closed")
)

const publishTimeout = 5 * time.Second

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config. Publish only enqueues; a single sender drains
// the buffer so callers never wait on the network.
type GrpcBus struct {
	conn  *grpc.ClientConn
	queue chan *EventRequest
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string, bufferSize int) (*GrpcBus, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	b := newGrpcBus(conn, bufferSize)
	cleanup := func() {
		b.Close()
		_ = conn.Close()
	}
	return b, cleanup, nil
}

func newGrpcBus(conn *grpc.ClientConn, bufferSize int) *GrpcBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &GrpcBus{conn: conn, queue: make(chan *EventRequest, bufferSize)}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *GrpcBus) Publish(topic string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.queue <- &EventRequest{Topic: topic, Payload: data}:
		return nil
	default:
		return ErrBusFull
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (b *GrpcBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *GrpcBus) run() {
	defer b.wg.Done()
	for req := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := Invoke(ctx, b.conn, req)
		cancel()
		if err != nil {
			slog.Error("grpc bus: publish failed", "topic", req.Topic, "error", err)
		}
	}
}

// Invoke calls EventService/Publish on conn.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, req *EventRequest) error {
	var resp EventResponse
	return conn.Invoke(ctx, publishMethod, req, &resp, grpc.CallContentSubtype(codecName))
}
