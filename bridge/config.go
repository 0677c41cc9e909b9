// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/media"
)

// Defaults applied by LoadConfig and DefaultConfig.
const (
	DefaultRefreshInterval = 100
	DefaultPumpTimeout     = time.Second
	DefaultAnchorX         = 100
	DefaultAnchorY         = 100
)

// Config is the bridge configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Input  InputConfig  `yaml:"input"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures server mode.
type ServerConfig struct {
	ListenHost  string `yaml:"listen_host"`
	PortBase    int    `yaml:"port_base"` // display N listens on port_base+N (default: 5900)
	DesktopName string `yaml:"desktop_name"`

	// Password enables VNC Authentication for viewers. PasswordEnv names
	// an environment variable consulted first.
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`

	RefreshInterval int   `yaml:"refresh_interval"` // reads between key frame requests (default: 100)
	EchoVideo       *bool `yaml:"echo_video"`       // write every read frame back to the session (default: true)
}

// ClientConfig configures client mode.
type ClientConfig struct {
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`

	ConnectTimeoutS int `yaml:"connect_timeout_s"` // handshake deadline in seconds (0: none)
	PumpTimeoutMS   int `yaml:"pump_timeout_ms"`   // bounded wait per pump (default: 1000)

	// Encodings lists rectangle encodings by name in preference order:
	// copyrect, hextile, rre, raw, cursor.
	Encodings []string `yaml:"encodings"`

	// AllowResize advertises DesktopSize so the remote may change geometry.
	AllowResize bool `yaml:"allow_resize"`

	Exclusive bool `yaml:"exclusive"`
}

// InputConfig configures DTMF translation.
type InputConfig struct {
	// Keymap maps a digit to an X11 keysym name, e.g. "0": Return.
	// Entries replace the defaults for their digit.
	Keymap  map[string]string `yaml:"keymap"`
	AnchorX *int              `yaml:"anchor_x"`
	AnchorY *int              `yaml:"anchor_y"`
	Click   *bool             `yaml:"click"` // click the anchor before each key (default: true)
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration data.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.PortBase == 0 {
		c.Server.PortBase = vnc.DefaultServerPortBase
	}
	if c.Server.RefreshInterval == 0 {
		c.Server.RefreshInterval = DefaultRefreshInterval
	}
	if c.Server.EchoVideo == nil {
		echo := true
		c.Server.EchoVideo = &echo
	}
	if c.Server.DesktopName == "" {
		c.Server.DesktopName = "video"
	}
	if c.Client.PumpTimeoutMS == 0 {
		c.Client.PumpTimeoutMS = int(DefaultPumpTimeout / time.Millisecond)
	}
	if c.Input.AnchorX == nil {
		x := DefaultAnchorX
		c.Input.AnchorX = &x
	}
	if c.Input.AnchorY == nil {
		y := DefaultAnchorY
		c.Input.AnchorY = &y
	}
	if c.Input.Click == nil {
		click := true
		c.Input.Click = &click
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.Server.PortBase < 1 || c.Server.PortBase > 65535 {
		return fmt.Errorf("server.port_base %d out of range", c.Server.PortBase)
	}
	if c.Server.RefreshInterval < 1 {
		return fmt.Errorf("server.refresh_interval must be positive, got %d", c.Server.RefreshInterval)
	}
	if c.Client.PumpTimeoutMS < 1 {
		return fmt.Errorf("client.pump_timeout_ms must be positive, got %d", c.Client.PumpTimeoutMS)
	}
	if c.Client.ConnectTimeoutS < 0 {
		return fmt.Errorf("client.connect_timeout_s cannot be negative")
	}
	if _, err := ParseEncodings(c.Client.Encodings, c.Client.AllowResize); err != nil {
		return err
	}
	if _, err := c.Input.keymap(); err != nil {
		return err
	}
	if x, y := *c.Input.AnchorX, *c.Input.AnchorY; x < 0 || x > 65535 || y < 0 || y > 65535 {
		return fmt.Errorf("input anchor (%d,%d) out of range", x, y)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// PumpTimeout returns the client pump wait.
func (c *Config) PumpTimeout() time.Duration {
	return time.Duration(c.Client.PumpTimeoutMS) * time.Millisecond
}

// ServerAddress returns the listen address for a display number.
func (c *Config) ServerAddress(display int) (string, error) {
	port := c.Server.PortBase + display
	if display < 0 || port > 65535 {
		return "", fmt.Errorf("display %d out of range", display)
	}
	return fmt.Sprintf("%s:%d", c.Server.ListenHost, port), nil
}

// ServerAuth returns the security types offered to viewers.
func (c *Config) ServerAuth() []vnc.ServerAuth {
	pw := c.Server.Password
	if c.Server.PasswordEnv != "" {
		if v := os.Getenv(c.Server.PasswordEnv); v != "" {
			pw = v
		}
	}
	if pw == "" {
		return []vnc.ServerAuth{vnc.ServerAuthNone{}}
	}
	return []vnc.ServerAuth{vnc.ServerPasswordAuth{Password: pw}}
}

// PasswordResolver returns the client credential chain: environment
// variable first, then the literal password.
func (c *Config) PasswordResolver() vnc.PasswordResolver {
	var chain vnc.ChainResolver
	if c.Client.PasswordEnv != "" {
		chain = append(chain, vnc.EnvPassword{Var: c.Client.PasswordEnv})
	}
	if c.Client.Password != "" {
		chain = append(chain, vnc.StaticPassword(c.Client.Password))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// Translator builds the input translator from the input section.
func (c *Config) Translator() (*Translator, error) {
	keymap, err := c.Input.keymap()
	if err != nil {
		return nil, err
	}
	return NewTranslator(
		WithKeymap(keymap),
		WithAnchor(uint16(*c.Input.AnchorX), uint16(*c.Input.AnchorY)), // #nosec G115 - validated
		WithClick(*c.Input.Click),
	), nil
}

func (in InputConfig) keymap() (map[media.Digit]uint32, error) {
	keymap := DefaultKeymap()
	for digit, name := range in.Keymap {
		runes := []rune(digit)
		if len(runes) != 1 {
			return nil, fmt.Errorf("input.keymap: %q is not a single digit", digit)
		}
		keysym, ok := vnc.LookupKeysym(name)
		if !ok {
			return nil, fmt.Errorf("input.keymap: unknown key %q for digit %q", name, digit)
		}
		keymap[media.Digit(runes[0])] = keysym
	}
	return keymap, nil
}

// Logger builds the structured logger described by the log section,
// writing to w.
func (c *Config) Logger(w io.Writer) vnc.Logger {
	opts := &slog.HandlerOptions{Level: vnc.ParseLevel(c.Log.Level)}
	var h slog.Handler
	if strings.EqualFold(c.Log.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return vnc.NewSlogLogger(slog.New(h))
}

// ParseEncodings maps encoding names to client encodings. An empty list
// yields vnc.DefaultEncodings. allowResize appends DesktopSize.
func ParseEncodings(names []string, allowResize bool) ([]vnc.Encoding, error) {
	var encs []vnc.Encoding
	if len(names) == 0 {
		encs = vnc.DefaultEncodings()
	}
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "raw":
			encs = append(encs, &vnc.RawEncoding{})
		case "copyrect":
			encs = append(encs, &vnc.CopyRectEncoding{})
		case "rre":
			encs = append(encs, &vnc.RREEncoding{})
		case "hextile":
			encs = append(encs, &vnc.HextileEncoding{})
		case "cursor":
			encs = append(encs, &vnc.CursorPseudoEncoding{})
		default:
			return nil, fmt.Errorf("client.encodings: unknown encoding %q", name)
		}
	}
	if allowResize {
		encs = append(encs, &vnc.DesktopSizePseudoEncoding{})
	}
	return encs, nil
}
