// Package types defines shared types for the channels package.
// This is a separate package to avoid circular imports between
// channels/manager.go and the individual transport implementations.
package types

import (
	"context"
	"time"
)

// ChannelStatus represents the current state of a managed transport
type ChannelStatus struct {
	Running   bool      // Whether the transport is currently running
	Connected bool      // For transports with external connections (Matrix sync, signal-cli API)
	Error     error     // Last error if any
	StartedAt time.Time // When the transport was started
	Info      string    // Human-readable status info (e.g. "@courier:example.org", "http://localhost:8080")
}

// ManagedChannel defines lifecycle management for transports.
// Both transport implementations (matrix, signalrest) must implement this.
type ManagedChannel interface {
	// Name returns the transport's identifier
	Name() string

	// Start initializes and starts the transport
	Start(ctx context.Context) error

	// Stop gracefully shuts down the transport
	Stop() error

	// Reload applies new configuration at runtime.
	// The cfg parameter should be the transport's own config section.
	Reload(cfg any) error

	// Status returns the current transport status
	Status() ChannelStatus
}

// Message is a room message as seen by the Matrix transport, reduced to the
// fields the rest of the program cares about. Timestamp carries the
// origin_server_ts of the underlying event.
type Message struct {
	RoomID    string
	EventID   string
	Sender    string
	Body      string
	Timestamp time.Time
}
