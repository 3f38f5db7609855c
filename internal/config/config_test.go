package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadTXEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tx.env", `# Taiwan futures settings
API_KEY=key123
API_SECRET=secret456
CERT_PATH=/certs/me.pfx
CERT_PASSWORD=pw
PERSON_ID=A123456789
TELEGRAM_TOKEN=bot-token
TELEGRAM_CHAT_IDS=111, 222,333
LOGIN=1
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.True(t, cfg.TX.LoginEnabled)
	assert.Equal(t, "key123", cfg.TX.APIKey)
	assert.Equal(t, []string{"111", "222", "333"}, cfg.TX.TelegramChatIDs)
	assert.False(t, cfg.BTC.LoginEnabled, "btc.env absent, login stays off")
}

func TestBlankRequiredFieldForcesLoginOff(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tx.env", `API_KEY=key123
API_SECRET=
CERT_PATH=/certs/me.pfx
CERT_PASSWORD=pw
PERSON_ID=A123456789
LOGIN=1
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, cfg.TX.LoginEnabled)
}

func TestBTCDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "btc.env", `API_KEY=k
API_SECRET=s
LOGIN=1
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.True(t, cfg.BTC.LoginEnabled)
	assert.Equal(t, "BTCUSDT", cfg.BTC.Symbol)
	assert.Equal(t, 20, cfg.BTC.Leverage)
	assert.InDelta(t, 0.8, cfg.BTC.RiskPercent, 1e-9)
	assert.Equal(t, "ISOLATED", cfg.BTC.MarginType)
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "btc.env", "API_KEY=k\nAPI_SECRET=s\nLEVERAGE=20\nLOGIN=1\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.BTC.Leverage)

	writeFile(t, dir, "btc.env", "API_KEY=k\nAPI_SECRET=s\nLEVERAGE=10\nLOGIN=1\n")
	fresh, err := cfg.Reload()
	require.NoError(t, err)
	assert.Equal(t, 10, fresh.BTC.Leverage)
	assert.Equal(t, 20, cfg.BTC.Leverage, "original snapshot untouched")
}

func TestPortFile(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantPort    int
		wantConsole bool
		wantFile    string
	}{
		{"valid", "port:8080\nlog_console:1\nlog_file:gateway.log\n", 8080, true, "gateway.log"},
		{"below range", "port:80\nlog_console:0\n", 5000, false, ""},
		{"garbage", "port:abc\n", 5000, false, ""},
		{"missing file", "", 5000, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.content != "" {
				writeFile(t, dir, "port.txt", tt.content)
			}
			cfg, err := Load(dir)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPort, cfg.Port)
			assert.Equal(t, tt.wantConsole, cfg.LogConsole)
			assert.Equal(t, tt.wantFile, cfg.LogFile)
		})
	}
}
