// Package inbound defines the inbound port interfaces for the shield core.
// Inbound adapters (the HTTP API) implement these.
package inbound

import (
	"context"
)

// Transport is the inbound port serving shield checks to clients.
type Transport interface {
	// Start begins serving requests. Blocks until the context is
	// cancelled or an error occurs. Returns nil on graceful shutdown.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport and cleans up resources.
	Close() error
}
