// Package transport defines the interface for pluggable host transports.
//
// Each transport (gRPC, HTTP/WebSocket, MQTT) exposes the bridge to remote
// hosts. Transports that push callback events back to hosts also implement
// callback.Publisher and are attached to the bridge's event fanout.
package transport

import (
	"context"

	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/callback"
)

// Transport is the interface that every transport adapter must implement.
type Transport interface {
	// Name returns the transport identifier (e.g., "grpc", "http", "mqtt").
	Name() string

	// Listen starts serving b to remote hosts.
	// It blocks until the context is cancelled.
	Listen(ctx context.Context, b *bridge.Bridge) error

	// Close gracefully shuts down the transport, draining in-flight work.
	Close() error
}

// AttachPublishers registers every transport that publishes events with the
// bridge's fanout under its name. It returns the names attached.
func AttachPublishers(b *bridge.Bridge, transports []Transport) []string {
	var names []string
	for _, t := range transports {
		if p, ok := t.(callback.Publisher); ok {
			b.Events().Attach(t.Name(), p)
			names = append(names, t.Name())
		}
	}
	return names
}
