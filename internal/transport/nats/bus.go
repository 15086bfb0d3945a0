// Package nats adapts a NATS connection to the engine's MessageBus.
package nats

import "github.com/nats-io/nats.go"

type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// Publish emits one event; resolved-transaction events fan out to the
// callback worker group.
func (b *Bus) Publish(topic string, data []byte) error {
	return b.nc.Publish(topic, data)
}
