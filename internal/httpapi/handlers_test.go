package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
)

func TestSendDelivers(t *testing.T) {
	d := &fakeDeliverer{rcpt: courier.Receipt{Delivered: true, Transport: courier.TransportPrimary, AttemptID: "att-7"}}
	s := newTestServer(t, d)

	body := `{"phone":"+27821110000","message":"your code is 443211"}`
	rec := doRequest(t, s, http.MethodPost, "/api/send", testToken, body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp receiptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Delivered {
		t.Error("expected delivered = true")
	}
	if resp.Transport != courier.TransportPrimary {
		t.Errorf("transport = %q, want %q", resp.Transport, courier.TransportPrimary)
	}
	if resp.AttemptID != "att-7" {
		t.Errorf("attempt_id = %q, want att-7", resp.AttemptID)
	}
	if resp.Error != "" {
		t.Errorf("error = %q, want empty", resp.Error)
	}

	if d.count() != 1 {
		t.Fatalf("deliverer called %d times, want 1", d.count())
	}
	if d.phones[0] != "+27821110000" {
		t.Errorf("phone = %q, want +27821110000", d.phones[0])
	}
	if d.texts[0] != "your code is 443211" {
		t.Errorf("message = %q, want the request body text", d.texts[0])
	}
}

func TestSendFailureReturnsBadGateway(t *testing.T) {
	d := &fakeDeliverer{rcpt: courier.Receipt{
		Delivered: false,
		Transport: courier.TransportFallback,
		AttemptID: "att-8",
		Err:       errors.New("gateway boom"),
	}}
	s := newTestServer(t, d)

	body := `{"phone":"+27821110000","message":"your code is 443211"}`
	rec := doRequest(t, s, http.MethodPost, "/api/send", testToken, body)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	var resp receiptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Delivered {
		t.Error("expected delivered = false")
	}
	if resp.Error == "" || resp.Error != "gateway boom" {
		t.Errorf("error = %q, want gateway boom", resp.Error)
	}
}

func TestSendInvalidPhoneReturnsBadRequest(t *testing.T) {
	d := &fakeDeliverer{rcpt: courier.Receipt{
		Delivered: false,
		Err:       fmt.Errorf("normalize phone: %w", courier.ErrInvalidInput),
	}}
	s := newTestServer(t, d)

	body := `{"phone":"not-a-phone","message":"your code is 443211"}`
	rec := doRequest(t, s, http.MethodPost, "/api/send", testToken, body)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSendRejectsInvalidJSON(t *testing.T) {
	d := &fakeDeliverer{}
	s := newTestServer(t, d)

	rec := doRequest(t, s, http.MethodPost, "/api/send", testToken, "{not json")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if d.count() != 0 {
		t.Errorf("deliverer called %d times, want 0", d.count())
	}
}

func TestSendRejectsMissingFields(t *testing.T) {
	d := &fakeDeliverer{}
	s := newTestServer(t, d)

	rec := doRequest(t, s, http.MethodPost, "/api/send", testToken, `{"phone":"+27821110000"}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if d.count() != 0 {
		t.Errorf("deliverer called %d times, want 0", d.count())
	}
}

func TestSendRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := doRequest(t, s, http.MethodGet, "/api/send", testToken, "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestStatusReportsTransports(t *testing.T) {
	bus.RegisterCommand("channels", "status", func(cmd bus.Command) bus.CommandResult {
		return bus.CommandResult{
			Success: true,
			Data: map[string]any{
				"matrix": map[string]any{"running": true, "connected": true},
				"signal": map[string]any{"running": true, "connected": false},
			},
		}
	})
	defer bus.UnregisterComponent("channels")

	s := newTestServer(t, &fakeDeliverer{})

	rec := doRequest(t, s, http.MethodGet, "/api/status", testToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Status     string                    `json:"status"`
		Version    string                    `json:"version"`
		Uptime     string                    `json:"uptime"`
		Transports map[string]map[string]any `json:"transports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3-test" {
		t.Errorf("version = %q, want 1.2.3-test", resp.Version)
	}
	if resp.Uptime == "" {
		t.Error("uptime missing from response")
	}
	if _, ok := resp.Transports["matrix"]; !ok {
		t.Error("transports missing matrix entry")
	}
	if _, ok := resp.Transports["signal"]; !ok {
		t.Error("transports missing signal entry")
	}
}

func TestStatusWithoutChannelManager(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := doRequest(t, s, http.MethodGet, "/api/status", testToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Status     string         `json:"status"`
		Transports map[string]any `json:"transports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want ok", resp.Status)
	}
	if len(resp.Transports) != 0 {
		t.Errorf("transports = %v, want empty", resp.Transports)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := doRequest(t, s, http.MethodGet, "/api/metrics", testToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var snapshot map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("metrics response is not a JSON object: %v", err)
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := doRequest(t, s, http.MethodGet, "/api/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %q, want ok", resp["status"])
	}
}
