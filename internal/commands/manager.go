// Package commands handles !-prefixed admin commands arriving over Matrix.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// commandTimeout bounds one command execution. A !send runs the whole
// delivery pipeline, which can poll the bridge for a while.
const commandTimeout = 2 * time.Minute

// Command represents a bang command
type Command struct {
	Name        string // e.g., "!status"
	Description string // e.g., "Show transport status"
	Usage       string // argument hint, e.g. "<phone>" (optional)
	Handler     Handler
}

// Handler executes a command and returns the reply text (markdown).
type Handler func(ctx context.Context, args *Args) (string, error)

// Args contains the invocation context passed to a handler.
type Args struct {
	Sender string // MXID of the admin who issued the command
	RoomID string // room the command arrived in; the reply goes here
	Raw    string // everything after the command name, trimmed
}

// Deliverer runs one delivery. *courier.Courier satisfies it.
type Deliverer interface {
	SendVerificationMessage(ctx context.Context, phone, message string) courier.Receipt
}

// Manager is the command registry and dispatcher.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name (lowercase)
	cfg      *config.Config

	deliverer  Deliverer
	transports courier.Transports
	version    string
}

// NewManager creates a manager with the built-in commands registered.
func NewManager(deliverer Deliverer, transports courier.Transports, cfg *config.Config, version string) *Manager {
	m := &Manager{
		commands:   make(map[string]*Command),
		cfg:        cfg,
		deliverer:  deliverer,
		transports: transports,
		version:    version,
	}
	m.registerBuiltins()
	return m
}

// SubscribeConfigEvents registers for live config updates (admin list,
// country code, bridge settings).
func (m *Manager) SubscribeConfigEvents() {
	update := func(event bus.Event) {
		cfg, ok := event.Data.(*config.Config)
		if !ok {
			return
		}
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()
	}
	bus.SubscribeEvent("config.courier.applied", update)
	bus.SubscribeEvent("config.bridge.applied", update)
}

func (m *Manager) snapshot() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Register adds a command to the manager
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[strings.ToLower(cmd.Name)] = cmd
}

// Get returns a command by name, nil when unknown
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all commands sorted by name
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Execute parses one command line and runs it, returning the reply text.
func (m *Manager) Execute(ctx context.Context, body string, args *Args) string {
	parts := strings.SplitN(strings.TrimSpace(body), " ", 2)
	name := parts[0]
	if len(parts) > 1 {
		args.Raw = strings.TrimSpace(parts[1])
	}

	cmd := m.Get(name)
	if cmd == nil {
		return fmt.Sprintf("Unknown command: %s — try !help", name)
	}

	reply, err := cmd.Handler(ctx, args)
	if err != nil {
		L_warn("commands: command failed", "command", cmd.Name, "sender", args.Sender, "error", err)
		return fmt.Sprintf("%s failed: %s", cmd.Name, err)
	}
	return reply
}

// HandleMessage is the channel message hook. Non-commands and non-admin
// senders are dropped here; accepted commands run on their own goroutine so
// a slow delivery never stalls the sync loop.
func (m *Manager) HandleMessage(msg types.Message) {
	if !IsCommand(msg.Body) {
		return
	}
	if !m.snapshot().Courier.IsAdmin(msg.Sender) {
		L_debug("commands: ignoring command from non-admin", "sender", msg.Sender)
		return
	}
	go m.dispatch(msg)
}

// dispatch runs one accepted command and posts the reply.
func (m *Manager) dispatch(msg types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// Log only the name token: command arguments can carry message bodies.
	L_info("commands: executing", "command", nameToken(msg.Body), "sender", msg.Sender)

	reply := m.Execute(ctx, msg.Body, &Args{Sender: msg.Sender, RoomID: msg.RoomID})
	if reply == "" {
		return
	}
	m.reply(ctx, msg.RoomID, reply)
}

func (m *Manager) reply(ctx context.Context, roomID, text string) {
	mx := m.transports.Primary()
	if mx == nil {
		L_warn("commands: matrix down, dropping reply", "room", roomID)
		return
	}
	if _, err := mx.SendMarkdown(ctx, roomID, text); err != nil {
		L_warn("commands: reply failed", "room", roomID, "error", err)
	}
}

// IsCommand checks if text is a command
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "!")
}

func nameToken(body string) string {
	return strings.SplitN(strings.TrimSpace(body), " ", 2)[0]
}
