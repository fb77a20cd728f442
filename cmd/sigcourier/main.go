package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	daemon "github.com/sevlyar/go-daemon"
	"golang.org/x/term"

	"github.com/roelfdiedericks/sigcourier/internal/auth"
	"github.com/roelfdiedericks/sigcourier/internal/bridge"
	"github.com/roelfdiedericks/sigcourier/internal/channels"
	"github.com/roelfdiedericks/sigcourier/internal/channels/matrix"
	"github.com/roelfdiedericks/sigcourier/internal/channels/signalrest"
	"github.com/roelfdiedericks/sigcourier/internal/commands"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
	"github.com/roelfdiedericks/sigcourier/internal/health"
	"github.com/roelfdiedericks/sigcourier/internal/httpapi"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	"github.com/roelfdiedericks/sigcourier/internal/metrics"
	"github.com/roelfdiedericks/sigcourier/internal/paths"
	"github.com/roelfdiedericks/sigcourier/internal/setup"
)

const version = "0.1.0"

var cli struct {
	Gateway GatewayCmd `cmd:"" help:"Run the delivery gateway."`
	Send    SendCmd    `cmd:"" help:"Deliver one verification message and exit."`
	Resolve ResolveCmd `cmd:"" help:"Check whether a phone number is reachable on Signal."`
	Setup   SetupCmd   `cmd:"" help:"Interactive configuration wizard."`
	Token   TokenCmd   `cmd:"" help:"API token utilities."`
	Version VersionCmd `cmd:"" help:"Print the sigcourier version."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("sigcourier"),
		kong.Description("Verification-message courier for Matrix-bridged Signal."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// loadConfig loads the active config and initializes logging from it.
func loadConfig() (*config.Config, string, error) {
	cfg, path, err := config.Load()
	if err != nil {
		Init(nil)
		return nil, "", err
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Logging.Level),
		TimeFormat: "15:04:05",
		ShowCaller: cfg.Logging.CallerEnabled(),
	})
	return cfg, path, nil
}

// GatewayCmd runs the long-lived delivery service.
type GatewayCmd struct {
	Daemon bool `help:"Detach and run in the background."`
}

func (g *GatewayCmd) Run() error {
	if g.Daemon && !daemon.WasReborn() {
		return daemonize()
	}
	return runGateway()
}

// daemonize forks the gateway into the background. The parent prints the
// child pid and exits; the child re-enters Run with WasReborn true.
func daemonize() error {
	pidPath, err := paths.PidPath()
	if err != nil {
		return err
	}
	logPath, err := paths.DaemonLogPath()
	if err != nil {
		return err
	}
	if err := paths.EnsureParentDir(pidPath); err != nil {
		return err
	}

	dctx := &daemon.Context{
		PidFileName: pidPath,
		PidFilePerm: 0644,
		LogFileName: logPath,
		LogFilePerm: 0640,
		Umask:       027,
	}

	child, err := dctx.Reborn()
	if err != nil {
		return fmt.Errorf("failed to daemonize: %w", err)
	}
	if child != nil {
		fmt.Printf("sigcourier gateway started (pid %d)\n", child.Pid)
		fmt.Printf("logs: %s\n", logPath)
		return nil
	}
	defer dctx.Release()

	return runGateway()
}

func runGateway() error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	L_info("sigcourier starting", "version", version, "config", cfgPath)

	metrics.GetInstance().InitPersistence()

	manager := channels.NewManager()
	transports := &managerTransports{m: manager}

	sender := courier.New(transports, cfg)
	sender.SubscribeConfigEvents()
	sender.RegisterCommands()
	defer sender.UnregisterCommands()

	notifier := courier.NewNotifier(transports, cfg)
	notifier.Start()

	bot := commands.NewManager(sender, transports, cfg, version)
	bot.SubscribeConfigEvents()
	manager.SetMessageHandler(bot.HandleMessage)
	manager.RegisterCommands()
	defer manager.UnregisterCommands()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx, cfg); err != nil {
		return fmt.Errorf("failed to start transports: %w", err)
	}

	watcher, err := config.NewWatcher(cfgPath, cfg)
	if err != nil {
		L_warn("config: live reload disabled", "error", err)
	} else {
		watcher.Start()
	}

	prober := health.New(&matrixProbe{m: manager}, &signalProbe{m: manager}, cfg)
	if err := prober.Start(); err != nil {
		return err
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api, err = httpapi.NewServer(sender, cfg, version)
		if err != nil {
			return err
		}
		if err := api.Start(); err != nil {
			return err
		}
	}

	L_info("sigcourier ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	L_info("shutting down", "signal", received.String())
	SetShuttingDown()

	if api != nil {
		api.Stop()
	}
	prober.Stop()
	notifier.Stop()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			L_warn("config: watcher stop failed", "error", err)
		}
	}
	manager.StopAll()
	cancel()

	if err := metrics.GetInstance().Close(); err != nil {
		L_warn("metrics: close failed", "error", err)
	}

	L_info("sigcourier stopped")
	return nil
}

// SendCmd delivers a single message without the gateway running.
type SendCmd struct {
	Phone   string   `arg:"" help:"Destination phone number (E.164, or national with a configured country code)."`
	Message []string `arg:"" help:"Message text."`
}

func (c *SendCmd) Run() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	message := strings.TrimSpace(strings.Join(c.Message, " "))
	if message == "" {
		return fmt.Errorf("message must not be empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transports, cleanup, err := oneShotTransports(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sender := courier.New(transports, cfg)
	rcpt := sender.SendVerificationMessage(ctx, c.Phone, message)
	if !rcpt.Delivered {
		return fmt.Errorf("delivery failed (attempt %s): %v", rcpt.AttemptID, rcpt.Err)
	}

	fmt.Printf("delivered via %s transport (attempt %s)\n", rcpt.Transport, rcpt.AttemptID)
	return nil
}

// ResolveCmd runs the bridge resolve-identifier exchange for one number.
type ResolveCmd struct {
	Phone string `arg:"" help:"Phone number to resolve."`
}

func (c *ResolveCmd) Run() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.BridgeConfigured() {
		return fmt.Errorf("bridge is not configured; set bridge.control_room_id and bridge.bot_user_id")
	}

	phone, err := courier.NormalizePhone(c.Phone, cfg.Courier.DefaultCountryCode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mx, err := matrix.New(&cfg.Matrix)
	if err != nil {
		return err
	}
	if err := mx.Start(ctx); err != nil {
		return err
	}
	defer mx.Stop()

	resolver := bridge.NewResolver(mx, cfg.Bridge)
	identity, err := resolver.Resolve(ctx, phone)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", phone, err)
	}

	fmt.Printf("%s is registered on Signal (identity %s)\n", phone, identity.Token)
	return nil
}

// SetupCmd launches the interactive wizard.
type SetupCmd struct{}

func (c *SetupCmd) Run() error {
	Init(nil)
	return setup.NewWizard().Run()
}

// TokenCmd groups API token helpers.
type TokenCmd struct {
	Hash TokenHashCmd `cmd:"" help:"Hash an API token for the config file."`
}

// TokenHashCmd reads a token from the terminal and prints its argon2id hash.
type TokenHashCmd struct{}

func (c *TokenHashCmd) Run() error {
	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}

	fmt.Println(hash)
	fmt.Fprintln(os.Stderr, "Set this as http.token_hash in the config.")
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("sigcourier %s\n", version)
	return nil
}

// managerTransports adapts the channel manager to the courier's transport
// getters. Fetching per call means a transport that reconnects mid-process
// is picked up on the next delivery.
type managerTransports struct {
	m *channels.Manager
}

func (t *managerTransports) Primary() courier.Primary {
	if c := t.m.GetMatrix(); c != nil {
		return c
	}
	return nil
}

func (t *managerTransports) Fallback() courier.Fallback {
	if c := t.m.GetSignal(); c != nil {
		return c
	}
	return nil
}

// matrixProbe routes health probes through the manager so a client replaced
// by a config reload is probed, not the original.
type matrixProbe struct {
	m *channels.Manager
}

func (p *matrixProbe) Whoami(ctx context.Context) (string, error) {
	c := p.m.GetMatrix()
	if c == nil {
		return "", fmt.Errorf("matrix client not running")
	}
	return c.Whoami(ctx)
}

type signalProbe struct {
	m *channels.Manager
}

func (p *signalProbe) Health(ctx context.Context) error {
	c := p.m.GetSignal()
	if c == nil {
		return fmt.Errorf("signal client not running")
	}
	return c.Health(ctx)
}

// staticTransports is the one-shot variant: fixed clients, no manager.
type staticTransports struct {
	primary  *matrix.Client
	fallback *signalrest.Client
}

func (t staticTransports) Primary() courier.Primary {
	if t.primary == nil {
		return nil
	}
	return t.primary
}

func (t staticTransports) Fallback() courier.Fallback {
	if t.fallback == nil {
		return nil
	}
	return t.fallback
}

// oneShotTransports builds transports for a single delivery. The Matrix
// client only starts when the bridge path is configured; the returned
// cleanup stops whatever was started.
func oneShotTransports(ctx context.Context, cfg *config.Config) (courier.Transports, func(), error) {
	var st staticTransports

	if cfg.BridgeConfigured() {
		mx, err := matrix.New(&cfg.Matrix)
		if err != nil {
			return nil, nil, err
		}
		if err := mx.Start(ctx); err != nil {
			return nil, nil, err
		}
		st.primary = mx
	}

	if cfg.Signal.IsEnabled() && cfg.Signal.BaseURL != "" {
		sg, err := signalrest.New(&cfg.Signal)
		if err != nil {
			if st.primary != nil {
				st.primary.Stop()
			}
			return nil, nil, err
		}
		st.fallback = sg
	}

	if st.primary == nil && st.fallback == nil {
		return nil, nil, fmt.Errorf("no transport available: configure the bridge or enable the signal fallback")
	}

	cleanup := func() {
		if st.primary != nil {
			st.primary.Stop()
		}
	}
	return st, cleanup, nil
}
