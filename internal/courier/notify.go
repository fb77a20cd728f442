package courier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// notifyTimeout bounds the admin-room post so a slow homeserver cannot pile
// up notifier goroutines.
const notifyTimeout = 10 * time.Second

// Notifier watches delivery events and posts a summary to the admin room
// when the fallback was used or a delivery failed outright. Strictly best
// effort: a notification that cannot be sent is logged and dropped.
type Notifier struct {
	transports Transports

	mu   sync.RWMutex
	cfg  *config.Config
	subs []bus.SubscriptionID
}

// NewNotifier creates a notifier; call Start to begin watching.
func NewNotifier(transports Transports, cfg *config.Config) *Notifier {
	return &Notifier{transports: transports, cfg: cfg}
}

// Start subscribes to delivery and config events.
func (n *Notifier) Start() {
	n.subs = append(n.subs,
		bus.SubscribeEvent("delivery.sent", n.onSent),
		bus.SubscribeEvent("delivery.failed", n.onFailed),
		bus.SubscribeEvent("config.courier.applied", n.onConfig),
	)
	L_debug("notifier: watching delivery events")
}

// Stop unsubscribes from all events.
func (n *Notifier) Stop() {
	for _, id := range n.subs {
		bus.UnsubscribeEvent(id)
	}
	n.subs = nil
}

func (n *Notifier) onConfig(event bus.Event) {
	cfg, ok := event.Data.(*config.Config)
	if !ok {
		return
	}
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// onSent notifies on fallback use only; routine primary deliveries would
// just be noise in the admin room.
func (n *Notifier) onSent(event bus.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	transport, _ := data["transport"].(string)
	if transport != TransportFallback {
		return
	}
	phone, _ := data["phone"].(string)
	attemptID, _ := data["attempt_id"].(string)

	n.post(fmt.Sprintf(
		"**sigcourier**: delivered to `%s` via **fallback** (primary path failed)\nattempt: `%s`",
		phone, attemptID,
	))
}

func (n *Notifier) onFailed(event bus.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	phone, _ := data["phone"].(string)
	attemptID, _ := data["attempt_id"].(string)
	errMsg, _ := data["error"].(string)

	n.post(fmt.Sprintf(
		"**sigcourier**: delivery **FAILED** for `%s`\nattempt: `%s`\nerror: %s",
		phone, attemptID, errMsg,
	))
}

func (n *Notifier) post(text string) {
	n.mu.RLock()
	cfg := n.cfg
	n.mu.RUnlock()

	if !cfg.Courier.NotifyEnabled() || cfg.Courier.AdminRoomID == "" {
		return
	}
	mx := n.transports.Primary()
	if mx == nil {
		L_debug("notifier: matrix down, dropping notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if _, err := mx.SendMarkdown(ctx, cfg.Courier.AdminRoomID, text); err != nil {
		L_warn("notifier: admin notification failed", "error", err)
	}
}
