package bus

import (
	"errors"
	"testing"
	"time"
)

func TestCommandRoundtrip(t *testing.T) {
	RegisterCommand("testcomp", "echo", func(cmd Command) CommandResult {
		return CommandResult{
			Success: true,
			Message: "echoed",
			Data:    cmd.Payload,
		}
	})
	defer UnregisterComponent("testcomp")

	result := SendCommand("testcomp", "echo", "hello")
	if result.Error != nil {
		t.Fatalf("SendCommand failed: %v", result.Error)
	}
	if !result.Success {
		t.Error("result.Success = false, want true")
	}
	if got, ok := result.Data.(string); !ok || got != "hello" {
		t.Errorf("result.Data = %v, want hello", result.Data)
	}
}

func TestCommandNoHandler(t *testing.T) {
	result := SendCommand("missing", "anything", nil)
	if result.Error == nil {
		t.Fatal("SendCommand to unregistered component succeeded, want error")
	}
	if !errors.Is(result.Error, ErrNoHandler) {
		t.Errorf("error = %v, want ErrNoHandler", result.Error)
	}
}

func TestCommandUnknownName(t *testing.T) {
	RegisterCommand("testcomp2", "known", func(cmd Command) CommandResult {
		return CommandResult{Success: true}
	})
	defer UnregisterComponent("testcomp2")

	result := SendCommand("testcomp2", "unknown", nil)
	if !errors.Is(result.Error, ErrUnknownCommand) {
		t.Errorf("error = %v, want ErrUnknownCommand", result.Error)
	}
}

func TestEventDelivery(t *testing.T) {
	got := make(chan Event, 1)
	id := SubscribeEvent("test.topic", func(e Event) {
		got <- e
	})
	defer UnsubscribeEvent(id)

	PublishEvent("test.topic", 42)

	select {
	case e := <-got:
		if e.Topic != "test.topic" {
			t.Errorf("Topic = %q, want test.topic", e.Topic)
		}
		if v, ok := e.Data.(int); !ok || v != 42 {
			t.Errorf("Data = %v, want 42", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered within 2s")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	got := make(chan Event, 1)
	id := SubscribeEvent("test.unsub", func(e Event) {
		got <- e
	})

	if !UnsubscribeEvent(id) {
		t.Fatal("UnsubscribeEvent returned false for live subscription")
	}

	PublishEvent("test.unsub", nil)

	select {
	case <-got:
		t.Error("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventHandlerPanicIsRecovered(t *testing.T) {
	done := make(chan struct{}, 1)

	idPanic := SubscribeEvent("test.panic", func(e Event) {
		panic("boom")
	})
	defer UnsubscribeEvent(idPanic)
	idOK := SubscribeEvent("test.panic", func(e Event) {
		done <- struct{}{}
	})
	defer UnsubscribeEvent(idOK)

	PublishEvent("test.panic", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handler not called after sibling panic")
	}
}
