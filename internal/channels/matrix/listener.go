package matrix

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// Start verifies the credentials and begins syncing (implements ManagedChannel).
func (c *Client) Start(ctx context.Context) error {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix: whoami: %w", err)
	}
	if resp.UserID != c.cli.UserID {
		L_warn("matrix: access token belongs to a different user", "configured", c.cli.UserID, "actual", resp.UserID)
	}

	c.handlerOnce.Do(func() {
		syncer := c.cli.Syncer.(*mautrix.DefaultSyncer)
		syncer.OnEventType(event.EventMessage, c.handleEvent)
	})

	syncCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.running = true
	c.connected = true
	c.startedAt = time.Now()
	c.lastErr = nil
	c.syncCancel = cancel
	c.syncDone = make(chan struct{})
	done := c.syncDone
	c.mu.Unlock()

	go c.syncLoop(syncCtx, done)

	L_info("matrix: connected", "user", resp.UserID, "homeserver", c.cfg.HomeserverURL)
	return nil
}

// syncLoop runs the mautrix long-poll sync until the context is cancelled.
// Transient sync failures are retried inside the SDK; if the sync call
// returns we back off briefly and start it again.
func (c *Client) syncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.cli.SyncWithContext(ctx)
		if ctx.Err() != nil || IsShuttingDown() {
			return
		}

		c.mu.Lock()
		c.connected = false
		c.lastErr = err
		c.mu.Unlock()

		L_warn("matrix: sync stopped, restarting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	}
}

// handleEvent forwards inbound room messages to the registered handler. Our
// own messages and anything replayed from before startup are ignored.
func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.cli.UserID {
		return
	}

	c.mu.RLock()
	started := c.startedAt
	fn := c.onMessage
	c.mu.RUnlock()

	if fn == nil {
		return
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(started) {
		return
	}
	body := evt.Content.AsMessage().Body
	if body == "" {
		return
	}

	fn(types.Message{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Body:      body,
		Timestamp: ts,
	})
}

// Stop shuts down the sync loop (implements ManagedChannel).
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.syncCancel
	done := c.syncDone
	c.mu.Unlock()

	L_info("matrix: stopping sync")
	if cancel != nil {
		cancel()
	}
	c.cli.StopSync()

	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			L_warn("matrix: sync loop did not stop in time")
		}
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Reload applies new configuration (implements ManagedChannel). Credential
// changes need a fresh mautrix client, so the manager restarts the channel
// instead of reloading in place.
func (c *Client) Reload(cfg any) error {
	newCfg, ok := cfg.(*config.MatrixConfig)
	if !ok {
		return fmt.Errorf("expected *config.MatrixConfig, got %T", cfg)
	}

	c.mu.RLock()
	same := *newCfg == *c.cfg
	c.mu.RUnlock()

	if same {
		return nil
	}
	return fmt.Errorf("matrix: credential changes require a restart")
}

// Status returns current channel status (implements ManagedChannel)
func (c *Client) Status() types.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return types.ChannelStatus{
		Running:   c.running,
		Connected: c.connected,
		Error:     c.lastErr,
		StartedAt: c.startedAt,
		Info:      c.cfg.UserID,
	}
}
