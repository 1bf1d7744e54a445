package nats

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

var ErrBusClosed = errors.New("nats bus: connection closed")

// Bus publishes committed transaction events on core NATS. Delivery is
// at-most-once; the projector tolerates gaps because cache writes are versioned.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(topic string, data []byte) error {
	if b.nc == nil || b.nc.IsClosed() {
		return ErrBusClosed
	}
	if max := b.nc.MaxPayload(); max > 0 && int64(len(data)) > max {
		return fmt.Errorf("nats bus: %s payload of %d bytes exceeds server limit %d", topic, len(data), max)
	}
	return b.nc.Publish(topic, data)
}
