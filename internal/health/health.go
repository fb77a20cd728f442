// Package health probes the transports on a schedule and turns the results
// into bus events and metrics. Observers see "transport.up" and
// "transport.down" only when the observed state changes, so a quiet bus
// means nothing moved.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	"github.com/roelfdiedericks/sigcourier/internal/metrics"
)

const probeTimeout = 15 * time.Second

// MatrixProber answers the homeserver whoami endpoint.
type MatrixProber interface {
	Whoami(ctx context.Context) (string, error)
}

// SignalProber answers the REST gateway health endpoint.
type SignalProber interface {
	Health(ctx context.Context) error
}

// Prober runs the configured probe schedule. Either transport may be nil;
// nil transports are skipped.
type Prober struct {
	cron   *cron.Cron
	matrix MatrixProber
	signal SignalProber

	mu    sync.Mutex
	cfg   *config.Config
	entry cron.EntryID
	last  map[string]bool
	subs  []bus.SubscriptionID
}

// New creates a prober; call Start to begin the schedule.
func New(matrix MatrixProber, signal SignalProber, cfg *config.Config) *Prober {
	return &Prober{
		cron:   cron.New(),
		matrix: matrix,
		signal: signal,
		cfg:    cfg,
		last:   make(map[string]bool),
	}
}

// Start schedules the probes and begins listening for config changes.
// With health.enabled false nothing is scheduled, but config changes can
// enable it later without a restart.
func (p *Prober) Start() error {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if err := p.reschedule(cfg); err != nil {
		return err
	}
	p.cron.Start()

	p.mu.Lock()
	p.subs = append(p.subs, bus.SubscribeEvent("config.health.applied", p.onConfigApplied))
	p.mu.Unlock()

	return nil
}

// Stop ends the schedule and waits for a running probe to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, id := range subs {
		bus.UnsubscribeEvent(id)
	}

	<-p.cron.Stop().Done()
	L_info("health: probes stopped")
}

func (p *Prober) onConfigApplied(ev bus.Event) {
	cfg, ok := ev.Data.(*config.Config)
	if !ok {
		return
	}

	p.mu.Lock()
	old := p.cfg
	p.cfg = cfg
	p.mu.Unlock()

	if old.Health.Schedule == cfg.Health.Schedule && old.Health.IsEnabled() == cfg.Health.IsEnabled() {
		return
	}
	if err := p.reschedule(cfg); err != nil {
		L_warn("health: reschedule failed", "error", err)
	}
}

func (p *Prober) reschedule(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entry != 0 {
		p.cron.Remove(p.entry)
		p.entry = 0
	}

	if !cfg.Health.IsEnabled() {
		L_info("health: probes disabled")
		return nil
	}

	schedule := cfg.Health.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}

	entry, err := p.cron.AddFunc(schedule, p.ProbeAll)
	if err != nil {
		return fmt.Errorf("invalid health.schedule %q: %w", schedule, err)
	}
	p.entry = entry
	L_info("health: probes scheduled", "schedule", schedule)
	return nil
}

// ProbeAll probes every configured transport once.
func (p *Prober) ProbeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if p.matrix != nil {
		p.probeMatrix(ctx)
	}
	if p.signal != nil && p.signalEnabled() {
		p.probeSignal(ctx)
	}
}

func (p *Prober) signalEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Signal.IsEnabled()
}

func (p *Prober) probeMatrix(ctx context.Context) {
	userID, err := p.matrix.Whoami(ctx)
	if err != nil {
		metrics.MetricFail("probe", "matrix")
		p.report("matrix", false, err)
		return
	}
	metrics.MetricSuccess("probe", "matrix")
	L_trace("health: matrix probe ok", "user_id", userID)
	p.report("matrix", true, nil)
}

func (p *Prober) probeSignal(ctx context.Context) {
	if err := p.signal.Health(ctx); err != nil {
		metrics.MetricFail("probe", "signal")
		p.report("signal", false, err)
		return
	}
	metrics.MetricSuccess("probe", "signal")
	L_trace("health: signal probe ok")
	p.report("signal", true, nil)
}

// report publishes a transport event when the observed state changes.
// The first observation always publishes.
func (p *Prober) report(transport string, up bool, cause error) {
	p.mu.Lock()
	prev, seen := p.last[transport]
	p.last[transport] = up
	p.mu.Unlock()

	if seen && prev == up {
		if !up {
			L_debug("health: probe still failing", "transport", transport, "error", cause)
		}
		return
	}

	if up {
		L_info("health: transport up", "transport", transport)
		bus.PublishEvent("transport.up", map[string]any{"transport": transport})
		return
	}

	L_warn("health: transport down", "transport", transport, "error", cause)
	data := map[string]any{"transport": transport}
	if cause != nil {
		data["error"] = cause.Error()
	}
	bus.PublishEvent("transport.down", data)
}
