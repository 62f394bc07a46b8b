// Package wizard provides an interactive setup wizard for Tourniquet.
package wizard

import (
	"fmt"
	"net"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/tourniquet/internal/config"
	"github.com/postalsys/tourniquet/socks5"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99")).
			Bold(true)
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	defaultPath string
}

// New creates a new setup wizard.
func New(defaultPath string) *Wizard {
	if defaultPath == "" {
		defaultPath = "tourniquet.yaml"
	}
	return &Wizard{defaultPath: defaultPath}
}

// Run executes the interactive setup and writes the resulting config file.
func (w *Wizard) Run() (*Result, error) {
	fmt.Println(bannerStyle.Render("Tourniquet setup"))

	cfg := config.DefaultConfig()
	configPath := w.defaultPath

	var (
		authEnabled bool
		username    string
		password    string
		wsEnabled   bool
	)
	commands := []string{"connect"}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("host:port the SOCKS5 listener binds to").
				Value(&cfg.SOCKS5.Address).
				Validate(validateHostPort),
			huh.NewMultiSelect[string]().
				Title("Enabled commands").
				Options(
					huh.NewOption("CONNECT", "connect").Selected(true),
					huh.NewOption("BIND", "bind"),
					huh.NewOption("UDP ASSOCIATE", "associate"),
				).
				Value(&commands),
			huh.NewConfirm().
				Title("Require username/password authentication?").
				Value(&authEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&username),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		).WithHideFunc(func() bool { return !authEnabled }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the WebSocket listener?").
				Description("Tunnels SOCKS5 over WebSocket for reverse proxy setups").
				Value(&wsEnabled),
			huh.NewInput().
				Title("Config file path").
				Value(&configPath),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	cfg.SOCKS5.Commands = config.CommandsConfig{}
	for _, cmd := range commands {
		switch cmd {
		case "connect":
			cfg.SOCKS5.Commands.Connect = true
		case "bind":
			cfg.SOCKS5.Commands.Bind = true
		case "associate":
			cfg.SOCKS5.Commands.Associate = true
		}
	}

	if authEnabled {
		if username == "" || password == "" {
			return nil, fmt.Errorf("authentication requires a username and a password")
		}
		hash, err := socks5.HashPassword(password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		cfg.SOCKS5.Auth = config.AuthConfig{
			Enabled:  true,
			Required: true,
			Users: []config.UserConfig{
				{Username: username, PasswordHash: hash},
			},
		}
	}

	if wsEnabled {
		cfg.WebSocket.Enabled = true
		cfg.WebSocket.PlainText = true
		cfg.WebSocket.BasicAuth = authEnabled
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.WriteFile(configPath); err != nil {
		return nil, err
	}

	fmt.Println(successStyle.Render("Configuration written to ") + pathStyle.Render(configPath))
	fmt.Println(successStyle.Render("Start the proxy with: ") + pathStyle.Render("tourniquet run -c "+configPath))

	return &Result{Config: &cfg, ConfigPath: configPath}, nil
}

func validateHostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("use host:port")
	}
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port")
	}
	return nil
}
