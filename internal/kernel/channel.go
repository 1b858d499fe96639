package kernel

import (
	"context"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
)

// Channel is a bidirectional message transport to one kernel process.
type Channel interface {
	// Submit sends a command. It may fail before the command reaches the
	// kernel; events for the command may arrive before Submit returns.
	Submit(ctx context.Context, cmd contracts.KernelCommandEnvelope) error

	// OnEvent registers a handler that receives events in receipt order.
	OnEvent(handler func(contracts.KernelEventEnvelope)) (unsubscribe func())

	// Done is closed when the transport stops delivering events, either
	// through Close or because the kernel went away.
	Done() <-chan struct{}

	// Err reports why Done was closed. It is nil while the channel is live
	// and after a plain Close.
	Err() error

	// Close releases the transport.
	Close() error
}

// ChannelFactory creates the channel for a document.
type ChannelFactory func(ctx context.Context, id document.Identity) (Channel, error)
