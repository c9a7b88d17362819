// Package bus defines the message-bus transport collaborator named in
// spec.md §1/§6 as external to the core. The core depends only on
// these two small interfaces; bus/membus provides an in-memory
// implementation for tests, and bus/grpcbus wires a real gRPC
// transport for the domain stack.
package bus

import (
	"context"

	"www.velocidex.com/golang/pap-modify-core/models"
)

// Sink is the outbound half of the bus: something the Publisher can
// write a PdpMessage to. A nil Name on the message means broadcast.
type Sink interface {
	Send(ctx context.Context, topic string, message models.PdpMessage) error
}

// Source is the inbound half: something that delivers PdpStatus
// envelopes as they arrive on the bus. Handler is invoked synchronously
// on the Source's own delivery goroutine (spec.md §4.D "inbound
// delivery is synchronous on the dispatcher's thread").
type Source interface {
	Subscribe(ctx context.Context, topic string, handler func(*models.PdpStatus)) error
}
