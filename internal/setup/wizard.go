// Package setup is the interactive first-run wizard. It collects the
// Matrix credentials, the bridge rooms, the fallback gateway and the admin
// surface, then writes the config file.
package setup

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/roelfdiedericks/sigcourier/internal/auth"
	"github.com/roelfdiedericks/sigcourier/internal/channels/matrix"
	"github.com/roelfdiedericks/sigcourier/internal/channels/signalrest"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	"github.com/roelfdiedericks/sigcourier/internal/paths"
)

const testTimeout = 10 * time.Second

// Wizard manages the setup wizard state
type Wizard struct {
	// Matrix credentials
	homeserverURL string
	userID        string
	accessToken   string

	// Bridge control room
	controlRoomID string
	botUserID     string

	// Fallback gateway
	signalEnabled bool
	signalBaseURL string
	signalAccount string

	// Admin surface and delivery policy
	adminRoomID string
	admins      string
	countryCode string

	// HTTP API
	httpEnabled bool
	httpListen  string
	apiToken    string
	tokenHash   string
}

// NewWizard creates a new wizard instance
func NewWizard() *Wizard {
	return &Wizard{
		httpListen: "127.0.0.1:8787",
	}
}

// Run executes the full wizard
func (w *Wizard) Run() error {
	if err := w.showWelcome(); err != nil {
		return err
	}

	if err := w.collectMatrix(); err != nil {
		return err
	}

	if err := w.collectBridge(); err != nil {
		return err
	}

	if err := w.collectSignal(); err != nil {
		return err
	}

	if err := w.collectCourier(); err != nil {
		return err
	}

	if err := w.collectHTTP(); err != nil {
		return err
	}

	return w.reviewAndSave()
}

func (w *Wizard) showWelcome() error {
	fmt.Println()
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║       Welcome to sigcourier Setup      ║")
	fmt.Println("╚════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("This wizard will help you configure sigcourier.")
	fmt.Println("We'll set up:")
	fmt.Println("  • Matrix credentials (the bridged account)")
	fmt.Println("  • The Signal bridge control room")
	fmt.Println("  • The signal-cli REST fallback (optional)")
	fmt.Println("  • The admin room and admin users")
	fmt.Println("  • The HTTP API (optional)")
	fmt.Println()

	var proceed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Ready to begin?").
				Value(&proceed),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	if !proceed {
		fmt.Println("Setup cancelled.")
		os.Exit(0)
	}

	return nil
}

func (w *Wizard) collectMatrix() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Homeserver URL").
				Description("The Matrix homeserver the courier account lives on").
				Placeholder("https://matrix.example.org").
				Validate(validateHTTPURL).
				Value(&w.homeserverURL),
			huh.NewInput().
				Title("User ID").
				Description("The courier account's Matrix ID").
				Placeholder("@courier:example.org").
				Validate(validateUserID).
				Value(&w.userID),
			huh.NewInput().
				Title("Access token").
				Description("A login token for the courier account").
				EchoMode(huh.EchoModePassword).
				Validate(validateRequired("access token")).
				Value(&w.accessToken),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	fmt.Println("Testing Matrix connection...")
	whoami, err := testMatrix(w.homeserverURL, w.userID, w.accessToken)
	switch {
	case err != nil:
		fmt.Printf("⚠ Connection failed: %s\n", err)
		fmt.Println("You can still proceed, but check the homeserver URL and token.")
	case !strings.EqualFold(whoami, strings.TrimSpace(w.userID)):
		fmt.Printf("⚠ Token belongs to %s, not %s\n", whoami, w.userID)
	default:
		fmt.Printf("✓ Connected as %s\n", whoami)
	}

	return nil
}

func (w *Wizard) collectBridge() error {
	fmt.Println()
	fmt.Println("The bridge control room is where the courier talks to the")
	fmt.Println("Signal bridge bot (resolve-identifier / start-chat). Leaving")
	fmt.Println("it empty disables the bridge path: every delivery then goes")
	fmt.Println("straight to the fallback gateway.")
	fmt.Println()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Control room ID").
				Description("The bridge management room (optional)").
				Placeholder("!abcdef:example.org").
				Value(&w.controlRoomID),
			huh.NewInput().
				Title("Bridge bot user ID").
				Description("The bridge bot account (optional)").
				Placeholder("@signalbot:example.org").
				Validate(validateOptionalUserID).
				Value(&w.botUserID),
		),
	)

	return form.Run()
}

func (w *Wizard) collectSignal() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the signal-cli REST fallback?").
				Description("Used when the bridge path cannot deliver").
				Value(&w.signalEnabled),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if !w.signalEnabled {
		return nil
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("signal-cli REST URL").
				Description("Base URL of the signal-cli-rest-api daemon").
				Placeholder("http://127.0.0.1:8080").
				Validate(validateHTTPURL).
				Value(&w.signalBaseURL),
			huh.NewInput().
				Title("Sender account").
				Description("The registered number deliveries are sent from").
				Placeholder("+27820000000").
				Validate(validateE164).
				Value(&w.signalAccount),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	fmt.Println("Testing signal-cli REST gateway...")
	if err := testSignal(w.signalBaseURL, w.signalAccount); err != nil {
		fmt.Printf("⚠ Health check failed: %s\n", err)
		fmt.Println("You can still proceed, but the fallback may not work.")
	} else {
		fmt.Println("✓ Gateway is healthy")
	}

	return nil
}

func (w *Wizard) collectCourier() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Admin room ID").
				Description("Room for !commands and delivery notifications (optional)").
				Placeholder("!admins:example.org").
				Value(&w.adminRoomID),
			huh.NewInput().
				Title("Admin user IDs").
				Description("Comma-separated Matrix IDs allowed to run !commands").
				Placeholder("@roelf:example.org, @backup:example.org").
				Value(&w.admins),
			huh.NewInput().
				Title("Default country code").
				Description("Used to normalize national numbers; empty rejects them").
				Placeholder("+27").
				Validate(validateOptionalCountryCode).
				Value(&w.countryCode),
		),
	)

	return form.Run()
}

func (w *Wizard) collectHTTP() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the HTTP API?").
				Description("Local JSON API for sends, status and the event stream").
				Value(&w.httpEnabled),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if !w.httpEnabled {
		return nil
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Keep this on localhost unless you terminate TLS in front").
				Placeholder("127.0.0.1:8787").
				Value(&w.httpListen),
			huh.NewInput().
				Title("API token").
				Description("Only its argon2id hash is written to the config").
				EchoMode(huh.EchoModePassword).
				Value(&w.apiToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if strings.TrimSpace(w.apiToken) == "" {
		fmt.Println("⚠ No API token provided. Disabling the HTTP API;")
		fmt.Println("  run 'sigcourier token hash' later to enable it.")
		w.httpEnabled = false
		return nil
	}

	hash, err := auth.HashToken(strings.TrimSpace(w.apiToken))
	if err != nil {
		return fmt.Errorf("failed to hash API token: %w", err)
	}
	w.tokenHash = hash

	return nil
}

func (w *Wizard) reviewAndSave() error {
	fmt.Println()
	fmt.Println("═══════════════════════════════════════")
	fmt.Println("         Configuration Summary")
	fmt.Println("═══════════════════════════════════════")
	fmt.Println()
	fmt.Printf("Homeserver:    %s\n", w.homeserverURL)
	fmt.Printf("User ID:       %s\n", w.userID)
	if w.controlRoomID != "" {
		fmt.Printf("Control room:  %s\n", w.controlRoomID)
		fmt.Printf("Bridge bot:    %s\n", w.botUserID)
	} else {
		fmt.Println("Control room:  (none; bridge path disabled)")
	}
	if w.signalEnabled {
		fmt.Printf("Fallback:      %s (%s)\n", w.signalBaseURL, w.signalAccount)
	} else {
		fmt.Println("Fallback:      disabled")
	}
	if w.adminRoomID != "" {
		fmt.Printf("Admin room:    %s\n", w.adminRoomID)
	}
	if w.httpEnabled {
		fmt.Printf("HTTP API:      %s\n", w.httpListen)
	} else {
		fmt.Println("HTTP API:      disabled")
	}
	fmt.Println()

	var action string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Save this configuration?").
				Options(
					huh.NewOption("Save configuration", "save"),
					huh.NewOption("Cancel without saving", "cancel"),
				).
				Value(&action),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	if action == "cancel" {
		fmt.Println("Setup cancelled. No changes were saved.")
		return nil
	}

	return w.saveConfig()
}

func (w *Wizard) saveConfig() error {
	cfg, err := w.buildConfig()
	if err != nil {
		return err
	}

	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	if path == "" {
		path, err = paths.DefaultConfigPath()
		if err != nil {
			return err
		}
	}

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	L_info("setup: saved configuration", "path", path)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════")
	fmt.Println("           Setup complete!")
	fmt.Println("═══════════════════════════════════════")
	fmt.Println()
	fmt.Println("To start the gateway:")
	fmt.Println()
	fmt.Println("  sigcourier gateway            Foreground mode (logs to terminal)")
	fmt.Println("  sigcourier gateway --daemon   Background mode")
	fmt.Println()
	fmt.Println("Other useful commands:")
	fmt.Println()
	fmt.Println("  sigcourier send <phone> <message>   One-shot delivery")
	fmt.Println("  sigcourier resolve <phone>          Check Signal registration")
	fmt.Println("  sigcourier token hash               Hash a new API token")
	fmt.Println()
	fmt.Printf("Configuration saved to: %s\n", path)
	fmt.Println()

	return nil
}

// buildConfig assembles and validates the final config.
func (w *Wizard) buildConfig() (*config.Config, error) {
	cfg := &config.Config{
		Matrix: config.MatrixConfig{
			HomeserverURL: strings.TrimSpace(w.homeserverURL),
			UserID:        strings.TrimSpace(w.userID),
			AccessToken:   strings.TrimSpace(w.accessToken),
		},
		Bridge: config.BridgeConfig{
			ControlRoomID: strings.TrimSpace(w.controlRoomID),
			BotUserID:     strings.TrimSpace(w.botUserID),
		},
		Signal: config.SignalConfig{
			Enabled: &w.signalEnabled,
			BaseURL: strings.TrimSpace(w.signalBaseURL),
			Account: strings.TrimSpace(w.signalAccount),
		},
		Courier: config.CourierConfig{
			DefaultCountryCode: strings.TrimSpace(w.countryCode),
			AdminRoomID:        strings.TrimSpace(w.adminRoomID),
			Admins:             splitAdmins(w.admins),
		},
		HTTP: config.HTTPConfig{
			Enabled:   w.httpEnabled,
			Listen:    strings.TrimSpace(w.httpListen),
			TokenHash: w.tokenHash,
		},
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("the collected settings are not valid: %w", err)
	}
	return cfg, nil
}

func splitAdmins(s string) []string {
	var admins []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			admins = append(admins, part)
		}
	}
	return admins
}

func testMatrix(homeserverURL, userID, token string) (string, error) {
	client, err := matrix.New(&config.MatrixConfig{
		HomeserverURL: strings.TrimSpace(homeserverURL),
		UserID:        strings.TrimSpace(userID),
		AccessToken:   strings.TrimSpace(token),
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return client.Whoami(ctx)
}

func testSignal(baseURL, account string) error {
	client, err := signalrest.New(&config.SignalConfig{
		BaseURL: strings.TrimSpace(baseURL),
		Account: strings.TrimSpace(account),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return client.Health(ctx)
}

func validateRequired(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validateHTTPURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("required")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return fmt.Errorf("must start with http:// or https://")
	}
	return nil
}

func validateUserID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("required")
	}
	return validateOptionalUserID(s)
}

func validateOptionalUserID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !strings.HasPrefix(s, "@") || !strings.Contains(s, ":") {
		return fmt.Errorf("must look like @user:server")
	}
	return nil
}

func validateE164(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("required")
	}
	if !strings.HasPrefix(s, "+") || len(s) < 8 {
		return fmt.Errorf("must be E.164, like +27820000000")
	}
	return nil
}

func validateOptionalCountryCode(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !strings.HasPrefix(s, "+") || len(s) < 2 || len(s) > 5 {
		return fmt.Errorf("must look like +27")
	}
	return nil
}
