package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
)

func TestHelpListsBuiltins(t *testing.T) {
	m := newTestManager(&fakeMatrix{}, &fakeDeliverer{})

	got := m.Execute(context.Background(), "!help", &Args{})
	for _, name := range []string{"!help", "!ping", "!status", "!version", "!resolve", "!send"} {
		if !strings.Contains(got, name) {
			t.Errorf("help output missing %s:\n%s", name, got)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	m := newTestManager(&fakeMatrix{}, &fakeDeliverer{})

	got := m.Execute(context.Background(), "!version", &Args{})
	if !strings.Contains(got, "1.2.3-test") {
		t.Errorf("version reply = %q, want the version string", got)
	}
}

func TestSendCommandDelivers(t *testing.T) {
	d := &fakeDeliverer{rcpt: courier.Receipt{
		Delivered: true,
		Transport: courier.TransportPrimary,
		AttemptID: "att-9",
	}}
	m := newTestManager(&fakeMatrix{}, d)

	got := m.Execute(context.Background(), "!send +27821110000 your code is 99", &Args{Sender: adminUser})
	if d.count() != 1 {
		t.Fatalf("deliverer called %d times, want 1", d.count())
	}
	if d.phones[0] != "+27821110000" || d.texts[0] != "your code is 99" {
		t.Errorf("delivery args = (%q, %q)", d.phones[0], d.texts[0])
	}
	if !strings.Contains(got, "primary") || !strings.Contains(got, "att-9") {
		t.Errorf("reply = %q, want transport and attempt ID", got)
	}
}

func TestSendCommandUsage(t *testing.T) {
	d := &fakeDeliverer{}
	m := newTestManager(&fakeMatrix{}, d)

	for _, body := range []string{"!send", "!send +27821110000", "!send +27821110000   "} {
		got := m.Execute(context.Background(), body, &Args{})
		if !strings.Contains(got, "Usage: !send") {
			t.Errorf("Execute(%q) = %q, want usage hint", body, got)
		}
	}
	if d.count() != 0 {
		t.Errorf("deliverer called %d times on bad usage, want 0", d.count())
	}
}

func TestSendCommandFailure(t *testing.T) {
	d := &fakeDeliverer{rcpt: courier.Receipt{
		Delivered: false,
		Transport: courier.TransportFallback,
		Err:       errors.New("gateway boom"),
	}}
	m := newTestManager(&fakeMatrix{}, d)

	got := m.Execute(context.Background(), "!send +27821110000 code", &Args{})
	if !strings.Contains(got, "!send failed") || !strings.Contains(got, "gateway boom") {
		t.Errorf("reply = %q, want failure with cause", got)
	}
}

func TestResolveCommand(t *testing.T) {
	mx := &fakeMatrix{}
	var gotCmd string
	mx.onCommand = func(text string) {
		gotCmd = text
		if strings.HasPrefix(text, "resolve-identifier ") {
			mx.botReplies("Found identity: " + testToken)
		}
	}
	m := newTestManager(mx, &fakeDeliverer{})

	got := m.Execute(context.Background(), "!resolve 082 111 0000", &Args{Sender: adminUser})
	if gotCmd != "resolve-identifier +27821110000" {
		t.Errorf("control room command = %q, want normalized number", gotCmd)
	}
	if !strings.Contains(got, testToken) {
		t.Errorf("reply = %q, want the identity token", got)
	}
}

func TestResolveCommandUsage(t *testing.T) {
	m := newTestManager(&fakeMatrix{}, &fakeDeliverer{})

	got := m.Execute(context.Background(), "!resolve", &Args{})
	if !strings.Contains(got, "Usage: !resolve") {
		t.Errorf("reply = %q, want usage hint", got)
	}
}

func TestResolveCommandNotRegistered(t *testing.T) {
	mx := &fakeMatrix{}
	mx.onCommand = func(text string) {
		if strings.HasPrefix(text, "resolve-identifier ") {
			mx.botReplies("+27899999999 is not registered with Signal")
		}
	}
	m := newTestManager(mx, &fakeDeliverer{})

	got := m.Execute(context.Background(), "!resolve +27899999999", &Args{})
	if !strings.Contains(got, "!resolve failed") || !strings.Contains(got, "not registered") {
		t.Errorf("reply = %q, want a not-registered failure", got)
	}
}

func TestStatusCommand(t *testing.T) {
	bus.RegisterCommand("channels", "status", func(cmd bus.Command) bus.CommandResult {
		return bus.CommandResult{
			Success: true,
			Message: "2 channels running",
			Data: map[string]any{
				"matrix": map[string]any{"running": true, "connected": true, "info": selfUser, "uptime": "3m0s"},
				"signal": map[string]any{"running": false, "connected": false, "error": "connection refused"},
			},
		}
	})
	defer bus.UnregisterComponent("channels")

	m := newTestManager(&fakeMatrix{}, &fakeDeliverer{})
	got := m.Execute(context.Background(), "!status", &Args{})

	if !strings.Contains(got, "matrix: connected, up 3m0s ("+selfUser+")") {
		t.Errorf("status reply missing matrix line:\n%s", got)
	}
	if !strings.Contains(got, "signal: down") || !strings.Contains(got, "connection refused") {
		t.Errorf("status reply missing signal state:\n%s", got)
	}
}
