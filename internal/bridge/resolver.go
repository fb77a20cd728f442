package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	. "github.com/roelfdiedericks/sigcourier/internal/metrics"
)

// Resolver turns a phone number into a bridge identity token by asking the
// bridge bot in the control room.
type Resolver struct {
	mx  Messenger
	cfg config.BridgeConfig
}

// NewResolver creates a resolver bound to one bridge configuration. The
// config is copied, so a live reload takes effect on the next delivery.
func NewResolver(mx Messenger, cfg config.BridgeConfig) *Resolver {
	return &Resolver{mx: mx, cfg: cfg}
}

// precheck verifies the control room is usable before any command is sent.
func (r *Resolver) precheck(ctx context.Context) error {
	if r.cfg.ControlRoomID == "" || r.cfg.BotUserID == "" {
		return ErrBridgeNotConfigured
	}
	members, err := r.mx.RoomMembers(ctx, r.cfg.ControlRoomID)
	if err != nil {
		return fmt.Errorf("%w: control room unreadable: %v", ErrBridgeNotConfigured, err)
	}
	if !containsFold(members, r.cfg.BotUserID) {
		return fmt.Errorf("%w: bot %s is not in the control room", ErrBridgeNotConfigured, r.cfg.BotUserID)
	}
	return nil
}

// Resolve asks the bridge bot which identity a phone number belongs to.
// Only bot replies stamped at or after the issue time count; anything older
// is stale chatter from a previous exchange.
func (r *Resolver) Resolve(ctx context.Context, phone string) (*ResolvedIdentity, error) {
	if err := r.precheck(ctx); err != nil {
		return nil, err
	}

	key := MetricStart("bridge", "resolve")
	defer MetricEnd(key)

	issuedAt := issueTime()
	if _, err := r.mx.SendText(ctx, r.cfg.ControlRoomID, "resolve-identifier "+phone); err != nil {
		MetricFailWithReason("bridge", "resolve", "send")
		return nil, fmt.Errorf("send resolve-identifier: %w", err)
	}
	L_debug("bridge: resolve-identifier sent", "phone", maskPhone(phone), "issuedAt", issuedAt)

	if err := settle(ctx, r.cfg.SettleDelay()); err != nil {
		return nil, err
	}

	attempts := r.cfg.PollAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		msgs, err := r.mx.RecentMessages(ctx, r.cfg.ControlRoomID, r.historyLimit())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			L_warn("bridge: history poll failed", "attempt", attempt, "error", err)
		} else if ident, decided, derr := r.scan(msgs, issuedAt); decided {
			if derr != nil {
				MetricFailWithReason("bridge", "resolve", "not_registered")
				L_info("bridge: identifier rejected", "phone", maskPhone(phone), "attempt", attempt)
				return nil, derr
			}
			MetricSuccess("bridge", "resolve")
			L_info("bridge: identity resolved", "phone", maskPhone(phone), "token", ident.Token, "attempt", attempt)
			return ident, nil
		}

		// Linear backoff between polls: interval, 2*interval, ...
		if attempt < attempts {
			if err := settle(ctx, time.Duration(attempt)*r.cfg.PollInterval()); err != nil {
				return nil, err
			}
		}
	}

	MetricFailWithReason("bridge", "resolve", "no_reply")
	return nil, fmt.Errorf("%w: %d polls over control room history", ErrNoReply, attempts)
}

// scan walks replies oldest first so the first eligible one decides.
// Eligible means sent by the bot at or after issuedAt. An eligible reply
// that parses as neither identity nor failure decides nothing.
func (r *Resolver) scan(msgs []types.Message, issuedAt time.Time) (*ResolvedIdentity, bool, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if !equalsFold(m.Sender, r.cfg.BotUserID) {
			continue
		}
		if m.Timestamp.Before(issuedAt) {
			continue
		}
		// Failure phrases are checked first: an error reply may quote a
		// token from an earlier exchange.
		if IsFailureReply(m.Body) {
			return nil, true, fmt.Errorf("%w: %s", ErrNotRegistered, strings.TrimSpace(m.Body))
		}
		if token, ok := ExtractToken(m.Body); ok {
			return &ResolvedIdentity{Token: token, Raw: m.Body}, true, nil
		}
	}
	return nil, false, nil
}

func (r *Resolver) historyLimit() int {
	if r.cfg.HistoryLimit > 0 {
		return r.cfg.HistoryLimit
	}
	return 20
}
