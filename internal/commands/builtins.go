package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roelfdiedericks/sigcourier/internal/bridge"
	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
)

// registerBuiltins registers all built-in commands
func (m *Manager) registerBuiltins() {
	m.Register(&Command{
		Name:        "!help",
		Description: "Show this help",
		Handler:     m.handleHelp,
	})

	m.Register(&Command{
		Name:        "!ping",
		Description: "Check the gateway is alive",
		Handler:     m.handlePing,
	})

	m.Register(&Command{
		Name:        "!status",
		Description: "Show transport status",
		Handler:     m.handleStatus,
	})

	m.Register(&Command{
		Name:        "!version",
		Description: "Show the gateway version",
		Handler:     m.handleVersion,
	})

	m.Register(&Command{
		Name:        "!resolve",
		Description: "Resolve a phone number to its bridge identity",
		Usage:       "<phone>",
		Handler:     m.handleResolve,
	})

	m.Register(&Command{
		Name:        "!send",
		Description: "Deliver a message through the courier",
		Usage:       "<phone> <message>",
		Handler:     m.handleSend,
	})
}

// handleHelp returns available commands (generated from the registry)
func (m *Manager) handleHelp(ctx context.Context, args *Args) (string, error) {
	var md strings.Builder
	md.WriteString("**Available commands:**\n")
	for _, cmd := range m.List() {
		if cmd.Usage != "" {
			md.WriteString(fmt.Sprintf("%s %s - %s\n", cmd.Name, cmd.Usage, cmd.Description))
		} else {
			md.WriteString(fmt.Sprintf("%s - %s\n", cmd.Name, cmd.Description))
		}
	}
	return md.String(), nil
}

func (m *Manager) handlePing(ctx context.Context, args *Args) (string, error) {
	return "pong", nil
}

func (m *Manager) handleVersion(ctx context.Context, args *Args) (string, error) {
	return fmt.Sprintf("sigcourier %s", m.version), nil
}

// handleStatus reports transport state from the channels manager.
func (m *Manager) handleStatus(ctx context.Context, args *Args) (string, error) {
	res := bus.SendCommand("channels", "status", nil)
	if !res.Success {
		if res.Error != nil {
			return "", res.Error
		}
		return "", errors.New(res.Message)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected status payload %T", res.Data)
	}

	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	var md strings.Builder
	md.WriteString("**Transports**\n")
	for _, name := range names {
		entry, _ := data[name].(map[string]any)
		md.WriteString(fmt.Sprintf("%s: %s", name, stateWord(entry)))
		if uptime, _ := entry["uptime"].(string); uptime != "" {
			md.WriteString(fmt.Sprintf(", up %s", uptime))
		}
		if info, _ := entry["info"].(string); info != "" {
			md.WriteString(fmt.Sprintf(" (%s)", info))
		}
		if errMsg, _ := entry["error"].(string); errMsg != "" {
			md.WriteString(fmt.Sprintf("\n  last error: %s", errMsg))
		}
		md.WriteString("\n")
	}
	return md.String(), nil
}

// stateWord condenses a status entry into one word.
func stateWord(entry map[string]any) string {
	connected, _ := entry["connected"].(bool)
	running, _ := entry["running"].(bool)
	switch {
	case connected:
		return "connected"
	case running:
		return "running"
	default:
		return "down"
	}
}

// handleResolve runs the resolve-identifier exchange for one number.
func (m *Manager) handleResolve(ctx context.Context, args *Args) (string, error) {
	if args.Raw == "" {
		return "Usage: !resolve <phone>", nil
	}

	cfg := m.snapshot()
	phone, err := courier.NormalizePhone(args.Raw, cfg.Courier.DefaultCountryCode)
	if err != nil {
		return "", err
	}

	mx := m.transports.Primary()
	if mx == nil {
		return "", errors.New("matrix transport is down")
	}

	ident, err := bridge.NewResolver(mx, cfg.Bridge).Resolve(ctx, phone)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("`%s` resolves to identity `%s`", phone, ident.Token), nil
}

// handleSend runs a full delivery and reports the receipt. The phone is a
// single token; everything after it is the message.
func (m *Manager) handleSend(ctx context.Context, args *Args) (string, error) {
	parts := strings.SplitN(args.Raw, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return "Usage: !send <phone> <message>", nil
	}
	phone, message := parts[0], parts[1]

	rcpt := m.deliverer.SendVerificationMessage(ctx, phone, message)
	if !rcpt.Delivered {
		return "", fmt.Errorf("attempt %s: %w", rcpt.AttemptID, rcpt.Err)
	}
	return fmt.Sprintf("Delivered to `%s` via **%s** (attempt `%s`)", phone, rcpt.Transport, rcpt.AttemptID), nil
}
