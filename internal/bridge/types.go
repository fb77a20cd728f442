// Package bridge speaks the control-room protocol of the Signal bridge bot:
// resolving a phone number to a bridge identity token (resolve-identifier)
// and locating the direct-message room for that identity (start-chat).
//
// The bot gives no structured replies and no correlation IDs, so both
// exchanges work the same way: record a wall-clock issue time, send the
// command, wait for the room to settle, then poll recent history accepting
// only bot messages stamped at or after the issue time. Overlapping
// exchanges never cross-contaminate because each carries its own issue time.
package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
)

// Sentinel errors for the resolve and locate pipeline. The courier branches
// on these with errors.Is to decide whether the fallback transport runs.
var (
	// ErrBridgeNotConfigured means the control room or bot MXID is missing
	// from config, or the bot is not a member of the control room.
	ErrBridgeNotConfigured = errors.New("bridge not configured")

	// ErrNotRegistered means the bridge bot reported the phone number as
	// unknown to the Signal network.
	ErrNotRegistered = errors.New("phone number not registered")

	// ErrNoReply means the bot never answered within the polling budget.
	ErrNoReply = errors.New("no reply from bridge bot")

	// ErrChannelNotFound means no direct-message room for the identity
	// appeared, even after the retry pass.
	ErrChannelNotFound = errors.New("no direct channel found")

	// ErrAmbiguousChannel means two candidate rooms tied on recency and
	// picking one would be a guess.
	ErrAmbiguousChannel = errors.New("ambiguous direct channel")
)

// Messenger is the slice of the Matrix client the bridge protocol needs.
// *matrix.Client satisfies it; tests use hand-written fakes.
type Messenger interface {
	SendText(ctx context.Context, roomID, text string) (string, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]types.Message, error)
	LastActivity(ctx context.Context, roomID string) (time.Time, error)
	JoinedRooms(ctx context.Context) ([]string, error)
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	UserID() string
}

// ResolvedIdentity is the parsed outcome of a resolve-identifier exchange.
type ResolvedIdentity struct {
	Token string // identity UUID, canonical lowercase
	Raw   string // full bot reply the token was parsed from
}

// issueTime returns the reference timestamp for a new exchange. Matrix
// stamps events with millisecond precision, so the local clock is truncated
// to match before any >= comparison.
func issueTime() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

// settle waits d, honoring context cancellation.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// equalsFold compares MXIDs without case sensitivity.
func equalsFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// maskPhone hides the middle digits of a phone number for log output.
func maskPhone(phone string) string {
	if len(phone) < 8 {
		return "***"
	}
	return phone[:4] + "****" + phone[len(phone)-3:]
}

// containsFold reports whether list contains s, case-insensitively.
func containsFold(list []string, s string) bool {
	for _, v := range list {
		if equalsFold(v, s) {
			return true
		}
	}
	return false
}
