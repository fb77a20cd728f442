// Package matrix provides the Matrix transport for sigcourier. It wraps the
// mautrix client with the small surface the rest of the program needs:
// sending messages, reading room membership and history, and a sync loop
// that feeds inbound room messages to the command dispatcher.
package matrix

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// Client wraps a mautrix client as a managed transport.
type Client struct {
	cli *mautrix.Client

	mu        sync.RWMutex
	cfg       *config.MatrixConfig
	running   bool
	connected bool
	startedAt time.Time
	lastErr   error

	onMessage func(types.Message)

	handlerOnce sync.Once
	syncCancel  context.CancelFunc
	syncDone    chan struct{}
}

// sdkLogWriter feeds mautrix SDK log lines into our logger at debug level.
type sdkLogWriter struct{}

func (sdkLogWriter) Write(p []byte) (int, error) {
	L_debug("matrix sdk: " + strings.TrimSpace(string(p)))
	return len(p), nil
}

// New creates a Matrix client from config. Nothing is contacted until Start.
func New(cfg *config.MatrixConfig) (*Client, error) {
	if cfg.HomeserverURL == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: homeserver_url, user_id and access_token are required")
	}

	cli, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	cli.Log = zerolog.New(sdkLogWriter{})

	return &Client{
		cli: cli,
		cfg: cfg,
	}, nil
}

// OnMessage registers the handler for inbound room messages. Must be set
// before Start; messages that arrive with no handler are dropped.
func (c *Client) OnMessage(fn func(types.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// Name returns the channel name (implements ManagedChannel)
func (c *Client) Name() string {
	return "matrix"
}

// UserID returns the account the client is logged in as.
func (c *Client) UserID() string {
	return c.cli.UserID.String()
}

// Whoami asks the homeserver which account the access token belongs to.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID.String(), nil
}

// SendText sends a plain-text message and returns the event ID.
func (c *Client) SendText(ctx context.Context, roomID, text string) (string, error) {
	resp, err := c.cli.SendText(ctx, id.RoomID(roomID), text)
	if err != nil {
		return "", fmt.Errorf("matrix: send to %s: %w", roomID, err)
	}
	return resp.EventID.String(), nil
}

// SendMarkdown renders markdown and sends it as a formatted message.
func (c *Client) SendMarkdown(ctx context.Context, roomID, text string) (string, error) {
	content := format.RenderMarkdown(text, true, false)
	resp, err := c.cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("matrix: send to %s: %w", roomID, err)
	}
	return resp.EventID.String(), nil
}

// JoinedRooms lists the rooms the account is currently joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined rooms: %w", err)
	}
	rooms := make([]string, 0, len(resp.JoinedRooms))
	for _, r := range resp.JoinedRooms {
		rooms = append(rooms, r.String())
	}
	return rooms, nil
}

// RoomMembers lists the joined members of a room.
func (c *Client) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := c.cli.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("matrix: members of %s: %w", roomID, err)
	}
	members := make([]string, 0, len(resp.Joined))
	for u := range resp.Joined {
		members = append(members, u.String())
	}
	return members, nil
}

// RecentMessages returns up to limit m.room.message events from the end of a
// room's timeline, newest first.
func (c *Client) RecentMessages(ctx context.Context, roomID string, limit int) ([]types.Message, error) {
	resp, err := c.cli.Messages(ctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("matrix: messages of %s: %w", roomID, err)
	}
	msgs := make([]types.Message, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.Type != event.EventMessage {
			continue
		}
		if evt.Content.Parsed == nil {
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
		}
		msgs = append(msgs, types.Message{
			RoomID:    roomID,
			EventID:   evt.ID.String(),
			Sender:    evt.Sender.String(),
			Body:      evt.Content.AsMessage().Body,
			Timestamp: time.UnixMilli(evt.Timestamp),
		})
	}
	return msgs, nil
}

// LastActivity returns the timestamp of the newest timeline event in a room,
// of any event type. Freshly bridged rooms often hold only state events, so
// no event-type filter is applied here. A room with no retrievable events
// reports the zero time.
func (c *Client) LastActivity(ctx context.Context, roomID string) (time.Time, error) {
	resp, err := c.cli.Messages(ctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("matrix: last activity of %s: %w", roomID, err)
	}
	if len(resp.Chunk) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(resp.Chunk[0].Timestamp), nil
}

// JoinRoom joins a room by ID. Joining a room the account is already in is a
// server-side no-op.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if _, err := c.cli.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return fmt.Errorf("matrix: join %s: %w", roomID, err)
	}
	return nil
}
