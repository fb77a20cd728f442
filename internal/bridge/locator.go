package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	. "github.com/roelfdiedericks/sigcourier/internal/metrics"
)

// Locator finds the direct-message room the bridge keeps (or creates) for a
// resolved identity. There is no "get DM room" API on the bridge, so this
// is a heuristic over membership and recency: a qualifying room has exactly
// two members with the bridge bot or the identity's ghost user as the
// counterpart, and saw activity after the start-chat command was issued.
type Locator struct {
	mx      Messenger
	cfg     config.BridgeConfig
	exclude []string // rooms never eligible; the control room is always excluded
}

// NewLocator creates a locator bound to one bridge configuration. Extra
// room IDs (such as the admin room) can be excluded from candidacy.
func NewLocator(mx Messenger, cfg config.BridgeConfig, exclude ...string) *Locator {
	return &Locator{mx: mx, cfg: cfg, exclude: exclude}
}

// Locate asks the bridge to open a chat for the identity and returns the
// room ID of the freshest qualifying direct-message room. When the first
// enumeration finds nothing it waits the configured delay and tries once
// more; a recency tie between two rooms is an error rather than a guess.
func (l *Locator) Locate(ctx context.Context, identity *ResolvedIdentity) (string, error) {
	if l.cfg.ControlRoomID == "" || l.cfg.BotUserID == "" {
		return "", ErrBridgeNotConfigured
	}

	key := MetricStart("bridge", "locate")
	defer MetricEnd(key)

	issuedAt := issueTime()
	if _, err := l.mx.SendText(ctx, l.cfg.ControlRoomID, "start-chat "+identity.Token); err != nil {
		MetricFailWithReason("bridge", "locate", "send")
		return "", fmt.Errorf("send start-chat: %w", err)
	}
	L_debug("bridge: start-chat sent", "token", identity.Token, "issuedAt", issuedAt)

	if err := settle(ctx, l.cfg.SettleDelay()); err != nil {
		return "", err
	}

	for pass := 1; ; pass++ {
		roomID, err := l.enumerate(ctx, identity.Token, issuedAt)
		if err != nil {
			if errors.Is(err, ErrAmbiguousChannel) {
				MetricFailWithReason("bridge", "locate", "ambiguous")
			}
			return "", err
		}
		if roomID != "" {
			MetricSuccess("bridge", "locate")
			L_info("bridge: channel located", "room", roomID, "pass", pass)
			return roomID, nil
		}
		if pass >= 2 {
			break
		}
		L_debug("bridge: no candidate rooms yet, retrying", "delay", l.cfg.LocateRetryDelay())
		if err := settle(ctx, l.cfg.LocateRetryDelay()); err != nil {
			return "", err
		}
	}

	MetricFailWithReason("bridge", "locate", "not_found")
	return "", fmt.Errorf("%w: token %s", ErrChannelNotFound, identity.Token)
}

// enumerate scans joined rooms for candidates active at or after issuedAt
// and picks the most recent. Returns "" when nothing qualifies.
func (l *Locator) enumerate(ctx context.Context, token string, issuedAt time.Time) (string, error) {
	rooms, err := l.mx.JoinedRooms(ctx)
	if err != nil {
		return "", fmt.Errorf("joined rooms: %w", err)
	}

	var (
		bestRoom string
		bestTime time.Time
		tied     bool
	)

	for _, roomID := range rooms {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if l.excluded(roomID) {
			continue
		}

		members, err := l.mx.RoomMembers(ctx, roomID)
		if err != nil {
			L_trace("bridge: members unreadable, skipping room", "room", roomID, "error", err)
			continue
		}
		if !l.isCandidate(members, token) {
			continue
		}

		last, err := l.mx.LastActivity(ctx, roomID)
		if err != nil {
			L_trace("bridge: activity unreadable, skipping room", "room", roomID, "error", err)
			continue
		}
		if last.IsZero() || last.Before(issuedAt) {
			continue
		}

		switch {
		case bestRoom == "" || last.After(bestTime):
			bestRoom, bestTime, tied = roomID, last, false
		case last.Equal(bestTime):
			tied = true
		}
	}

	if tied {
		return "", fmt.Errorf("%w: two rooms active at %s", ErrAmbiguousChannel, bestTime.Format(time.RFC3339Nano))
	}
	return bestRoom, nil
}

// isCandidate reports whether a member list matches the direct-message
// shape: exactly two members, the counterpart being the bridge bot or a
// ghost user carrying the identity token.
func (l *Locator) isCandidate(members []string, token string) bool {
	if len(members) != 2 {
		return false
	}
	self := l.mx.UserID()
	for _, m := range members {
		if equalsFold(m, self) {
			continue
		}
		if equalsFold(m, l.cfg.BotUserID) || matchesGhost(m, token) {
			return true
		}
	}
	return false
}

func (l *Locator) excluded(roomID string) bool {
	if equalsFold(roomID, l.cfg.ControlRoomID) {
		return true
	}
	for _, r := range l.exclude {
		if r != "" && equalsFold(r, roomID) {
			return true
		}
	}
	return false
}
