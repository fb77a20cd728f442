// Package courier implements the delivery pipeline: normalize the phone
// number, resolve it to a bridge identity, locate the direct-message room,
// send through Matrix, and fall back to the signal-cli REST gateway when
// the bridged path cannot deliver. Exactly one transport ever delivers a
// given message, and the fallback runs at most once.
package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/sigcourier/internal/bridge"
	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	. "github.com/roelfdiedericks/sigcourier/internal/metrics"
)

var (
	// ErrInvalidInput rejects a malformed phone number or empty message
	// before either transport is touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransportUnavailable means the transport needed for a step is
	// down or disabled.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// Transport labels reported in receipts.
const (
	TransportPrimary  = "primary"
	TransportFallback = "fallback"
)

// Stage names the steps of the delivery state machine, for logs.
type Stage string

const (
	StageStart     Stage = "start"
	StageResolving Stage = "resolving"
	StageLocating  Stage = "locating"
	StageSending   Stage = "sending"
	StageFallback  Stage = "fallback_sending"
	StageSent      Stage = "sent"
	StageFailed    Stage = "failed"
)

// Receipt reports the outcome of one delivery. Transport is "primary",
// "fallback", or empty when no transport was contacted.
type Receipt struct {
	Delivered bool
	Transport string
	AttemptID string
	Err       error
}

// Primary is the bridged Matrix surface the courier drives. *matrix.Client
// satisfies it.
type Primary interface {
	bridge.Messenger
	SendMarkdown(ctx context.Context, roomID, text string) (string, error)
}

// Fallback is the direct-to-phone surface. *signalrest.Client satisfies it.
type Fallback interface {
	SendByPhone(ctx context.Context, phone, message string) error
}

// Transports hands out the live transport clients. Either getter may return
// nil while that transport is down or disabled; the courier checks at use
// time so a transport recovering mid-process is picked up immediately.
type Transports interface {
	Primary() Primary
	Fallback() Fallback
}

// Courier owns the delivery pipeline.
type Courier struct {
	transports Transports

	mu  sync.RWMutex
	cfg *config.Config
}

// New creates a courier. The config pointer is swapped on config.applied
// events once SubscribeConfigEvents is called, so later deliveries pick up
// edited bridge settings.
func New(transports Transports, cfg *config.Config) *Courier {
	return &Courier{transports: transports, cfg: cfg}
}

// SubscribeConfigEvents registers for live config updates.
func (c *Courier) SubscribeConfigEvents() {
	update := func(event bus.Event) {
		cfg, ok := event.Data.(*config.Config)
		if !ok {
			L_error("courier: invalid config event data")
			return
		}
		c.mu.Lock()
		c.cfg = cfg
		c.mu.Unlock()
		L_info("courier: configuration updated")
	}
	bus.SubscribeEvent("config.bridge.applied", update)
	bus.SubscribeEvent("config.courier.applied", update)
}

// RegisterCommands registers the courier's bus commands
func (c *Courier) RegisterCommands() {
	bus.RegisterCommand("courier", "send", c.handleSendCommand)
}

// UnregisterCommands unregisters all bus commands
func (c *Courier) UnregisterCommands() {
	bus.UnregisterComponent("courier")
}

func (c *Courier) snapshot() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SendVerificationMessage delivers one message to a phone number. The
// receipt always carries an attempt ID; Err is nil only when a transport
// accepted the message. Every call runs the full pipeline, even for a
// phone number seen moments ago.
func (c *Courier) SendVerificationMessage(ctx context.Context, phone, message string) Receipt {
	rcpt := Receipt{AttemptID: uuid.NewString()}
	cfg := c.snapshot()

	normalized, err := NormalizePhone(phone, cfg.Courier.DefaultCountryCode)
	if err == nil && strings.TrimSpace(message) == "" {
		err = fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if err != nil {
		// Rejected before it ever became a delivery: no transport calls,
		// no delivery events.
		MetricFailWithReason("courier", "send", "invalid_input")
		L_warn("courier: input rejected", "attempt", rcpt.AttemptID, "error", err)
		rcpt.Err = err
		return rcpt
	}

	key := MetricStart("courier", "send")
	defer MetricEnd(key)

	L_info("courier: delivery started", "attempt", rcpt.AttemptID, "phone", MaskPhone(normalized))
	bus.PublishEvent("delivery.attempt", map[string]any{
		"attempt_id": rcpt.AttemptID,
		"phone":      normalized,
	})

	primaryErr := c.sendPrimary(ctx, cfg, rcpt.AttemptID, normalized, message)
	if primaryErr == nil {
		rcpt.Delivered = true
		rcpt.Transport = TransportPrimary
		c.finish(&rcpt, normalized)
		return rcpt
	}

	// Operator cancellation is not a transport failure; the fallback
	// stays untouched.
	if errors.Is(primaryErr, context.Canceled) || errors.Is(primaryErr, context.DeadlineExceeded) {
		MetricFailWithReason("courier", "send", "cancelled")
		L_warn("courier: delivery aborted", "attempt", rcpt.AttemptID, "error", primaryErr)
		rcpt.Transport = TransportPrimary
		rcpt.Err = primaryErr
		c.finish(&rcpt, normalized)
		return rcpt
	}

	L_warn("courier: primary path failed, using fallback", "attempt", rcpt.AttemptID, "error", primaryErr)

	fb := c.transports.Fallback()
	if fb == nil {
		// The gateway was never contacted, so the receipt carries no
		// transport label.
		MetricFailWithReason("courier", "fallback", "unavailable")
		rcpt.Err = errors.Join(primaryErr, fmt.Errorf("%w: signal gateway down or disabled", ErrTransportUnavailable))
		c.finish(&rcpt, normalized)
		return rcpt
	}

	rcpt.Transport = TransportFallback
	fallbackErr := c.sendFallback(ctx, fb, rcpt.AttemptID, normalized, message)
	if fallbackErr == nil {
		rcpt.Delivered = true
		c.finish(&rcpt, normalized)
		return rcpt
	}

	rcpt.Err = errors.Join(primaryErr, fallbackErr)
	c.finish(&rcpt, normalized)
	return rcpt
}

// finish records the terminal outcome: metrics, log, delivery event.
func (c *Courier) finish(rcpt *Receipt, phone string) {
	if rcpt.Delivered {
		MetricSuccess("courier", "send")
		MetricOutcome("courier", "transport", rcpt.Transport)
		L_info("courier: delivered", "attempt", rcpt.AttemptID, "transport", rcpt.Transport)
		bus.PublishEvent("delivery.sent", map[string]any{
			"attempt_id": rcpt.AttemptID,
			"phone":      phone,
			"transport":  rcpt.Transport,
		})
		return
	}

	MetricFail("courier", "send")
	L_error("courier: delivery failed", "attempt", rcpt.AttemptID, "transport", rcpt.Transport, "error", rcpt.Err)
	bus.PublishEvent("delivery.failed", map[string]any{
		"attempt_id": rcpt.AttemptID,
		"phone":      phone,
		"transport":  rcpt.Transport,
		"error":      errText(rcpt.Err),
	})
}

// sendPrimary runs resolve, locate, send on the bridged Matrix path.
func (c *Courier) sendPrimary(ctx context.Context, cfg *config.Config, attemptID, phone, message string) error {
	mx := c.transports.Primary()
	if mx == nil {
		return fmt.Errorf("%w: matrix client down", ErrTransportUnavailable)
	}

	c.stage(attemptID, StageResolving)
	ident, err := c.resolveWithRetry(ctx, bridge.NewResolver(mx, cfg.Bridge), cfg.Bridge.ResolveRetries, attemptID, phone)
	if err != nil {
		return err
	}

	c.stage(attemptID, StageLocating)
	locator := bridge.NewLocator(mx, cfg.Bridge, cfg.Courier.AdminRoomID)
	roomID, err := locator.Locate(ctx, ident)
	if err != nil {
		return err
	}

	c.stage(attemptID, StageSending)
	if _, err := mx.SendText(ctx, roomID, message); err != nil {
		MetricFailWithReason("courier", "primary", "send")
		return fmt.Errorf("primary send: %w", err)
	}
	MetricSuccess("courier", "primary")
	L_info("courier: delivered via primary", "attempt", attemptID, "room", roomID)
	return nil
}

// resolveWithRetry re-runs the whole resolve exchange on ErrNoReply, each
// retry with a fresh issue time. Any other resolution error is final.
func (c *Courier) resolveWithRetry(ctx context.Context, r *bridge.Resolver, retries int, attemptID, phone string) (*bridge.ResolvedIdentity, error) {
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for try := 0; try <= retries; try++ {
		ident, err := r.Resolve(ctx, phone)
		if err == nil {
			return ident, nil
		}
		lastErr = err
		if !errors.Is(err, bridge.ErrNoReply) || ctx.Err() != nil {
			return nil, err
		}
		if try < retries {
			L_warn("courier: bridge gave no reply, resolving again", "attempt", attemptID, "retry", try+1)
		}
	}
	return nil, lastErr
}

// sendFallback pushes the message straight through the REST gateway. It
// runs at most once per delivery and is never retried.
func (c *Courier) sendFallback(ctx context.Context, fb Fallback, attemptID, phone, message string) error {
	c.stage(attemptID, StageFallback)
	if err := fb.SendByPhone(ctx, phone, message); err != nil {
		MetricFailWithReason("courier", "fallback", "send")
		return fmt.Errorf("fallback send: %w", err)
	}
	MetricSuccess("courier", "fallback")
	L_info("courier: delivered via fallback", "attempt", attemptID)
	return nil
}

func (c *Courier) stage(attemptID string, s Stage) {
	L_debug("courier: stage", "attempt", attemptID, "stage", string(s))
}

// handleSendCommand lets bus callers trigger a delivery. Long deliveries
// may outlive the bus command timeout; the pipeline still completes and the
// outcome is visible in delivery events.
func (c *Courier) handleSendCommand(cmd bus.Command) bus.CommandResult {
	payload, ok := cmd.Payload.(map[string]any)
	if !ok {
		return bus.CommandResult{Error: errors.New("payload must be a map with phone and message")}
	}
	phone, _ := payload["phone"].(string)
	message, _ := payload["message"].(string)
	if phone == "" || message == "" {
		return bus.CommandResult{Error: errors.New("phone and message are required")}
	}

	rcpt := c.SendVerificationMessage(context.Background(), phone, message)
	result := bus.CommandResult{
		Success: rcpt.Delivered,
		Data: map[string]any{
			"delivered":  rcpt.Delivered,
			"transport":  rcpt.Transport,
			"attempt_id": rcpt.AttemptID,
		},
	}
	if rcpt.Delivered {
		result.Message = fmt.Sprintf("delivered via %s", rcpt.Transport)
	} else {
		result.Error = rcpt.Err
	}
	return result
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
