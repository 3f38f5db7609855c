// Package config reads the two per-market env files (tx.env, btc.env) and the
// optional port.txt at the repository root.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/twquant/tvgateway/internal/domain"
)

// TXConfig holds the Taiwan futures settings from tx.env.
type TXConfig struct {
	APIKey          string
	APISecret       string
	CertPath        string
	CertPassword    string
	PersonID        string
	BridgeURL       string
	TelegramToken   string
	TelegramChatIDs []string
	LoginEnabled    bool
}

// BTCConfig holds the crypto futures settings from btc.env.
type BTCConfig struct {
	APIKey          string
	APISecret       string
	Symbol          string
	Leverage        int
	RiskPercent     float64
	MarginType      string // ISOLATED or CROSSED
	ContractType    string // PERPETUAL
	Testnet         bool
	TelegramToken   string
	TelegramChatIDs []string
	LoginEnabled    bool
}

// Config is the full gateway configuration.
type Config struct {
	TX  TXConfig
	BTC BTCConfig

	Port       int
	LogConsole bool
	LogLevel   string
	LogFile    string

	HolidayDir   string
	TXDataDir    string
	BTCDataDir   string
	RegistryFile string
	MarginFile   string

	dir string
}

// Load reads tx.env, btc.env and port.txt from dir. Missing env files are not
// fatal: the market simply starts with login disabled.
func Load(dir string) (*Config, error) {
	cfg := &Config{
		Port:         5000,
		LogLevel:     "info",
		HolidayDir:   "holiday",
		TXDataDir:    "TXtransdata",
		BTCDataDir:   "BTCtransdata",
		RegistryFile: "order_mapping.json",
		MarginFile:   "margin_snapshot.json",
	}

	if err := cfg.loadTX(join(dir, "tx.env")); err != nil {
		return nil, err
	}
	if err := cfg.loadBTC(join(dir, "btc.env")); err != nil {
		return nil, err
	}
	cfg.loadPort(join(dir, "port.txt"))
	cfg.dir = dir

	return cfg, nil
}

// Reload re-reads the configuration files and returns a fresh snapshot. The
// receiver is left untouched; callers decide what to apply.
func (c *Config) Reload() (*Config, error) {
	return Load(c.dir)
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}

func (c *Config) loadTX(path string) error {
	vals, err := readEnvFile(path)
	if err != nil {
		return err
	}
	if vals == nil {
		return nil
	}

	c.TX = TXConfig{
		APIKey:          vals["API_KEY"],
		APISecret:       vals["API_SECRET"],
		CertPath:        vals["CERT_PATH"],
		CertPassword:    vals["CERT_PASSWORD"],
		PersonID:        vals["PERSON_ID"],
		BridgeURL:       defaultString(vals["BRIDGE_URL"], "http://127.0.0.1:9020"),
		TelegramToken:   vals["TELEGRAM_TOKEN"],
		TelegramChatIDs: splitChatIDs(vals["TELEGRAM_CHAT_IDS"]),
		LoginEnabled:    vals["LOGIN"] == "1",
	}

	// Any blank required field forces LOGIN=0 regardless of the flag.
	if c.TX.LoginEnabled {
		for _, required := range []string{c.TX.APIKey, c.TX.APISecret, c.TX.CertPath, c.TX.CertPassword, c.TX.PersonID} {
			if strings.TrimSpace(required) == "" {
				c.TX.LoginEnabled = false
				return nil
			}
		}
	}
	return nil
}

func (c *Config) loadBTC(path string) error {
	vals, err := readEnvFile(path)
	if err != nil {
		return err
	}
	if vals == nil {
		return nil
	}

	c.BTC = BTCConfig{
		APIKey:          vals["API_KEY"],
		APISecret:       vals["API_SECRET"],
		Symbol:          defaultString(vals["SYMBOL"], "BTCUSDT"),
		Leverage:        parseIntDefault(vals["LEVERAGE"], 20),
		RiskPercent:     parseFloatDefault(vals["RISK_PERCENT"], 0.8),
		MarginType:      defaultString(vals["MARGIN_TYPE"], "ISOLATED"),
		ContractType:    defaultString(vals["CONTRACT_TYPE"], "PERPETUAL"),
		Testnet:         vals["TESTNET"] == "1",
		TelegramToken:   vals["TELEGRAM_TOKEN"],
		TelegramChatIDs: splitChatIDs(vals["TELEGRAM_CHAT_IDS"]),
		LoginEnabled:    vals["LOGIN"] == "1",
	}

	if c.BTC.LoginEnabled {
		if strings.TrimSpace(c.BTC.APIKey) == "" || strings.TrimSpace(c.BTC.APISecret) == "" {
			c.BTC.LoginEnabled = false
		}
	}
	return nil
}

// readEnvFile parses a key=value file with # comments. Returns nil (no error)
// when the file does not exist.
func readEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return vals, nil
}

// loadPort parses port.txt (port:NNNN, log_console:0|1, log_file:PATH, one
// per line). Invalid or out-of-range values fall back to the defaults.
func (c *Config) loadPort(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "port":
			if p, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && p >= 1024 && p <= 65535 {
				c.Port = p
			}
		case "log_console":
			c.LogConsole = strings.TrimSpace(value) == "1"
		case "log_file":
			c.LogFile = strings.TrimSpace(value)
		}
	}
}

// Validate reports ErrConfigMissing when a market has LOGIN=1 but its file is
// incomplete. Load already forced the flag off; this surfaces the reason.
func (c *Config) Validate() error {
	if !c.TX.LoginEnabled && !c.BTC.LoginEnabled {
		return fmt.Errorf("no market enabled for login: %w", domain.ErrConfigMissing)
	}
	return nil
}

func splitChatIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func parseIntDefault(v string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return n
	}
	return fallback
}

func parseFloatDefault(v string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return f
	}
	return fallback
}
