package stream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEndpoints(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEndpointsLoadFromFile(t *testing.T) {
	path := writeEndpoints(t, `
default: delayed
endpoints:
  delayed:
    url: wss://delayed.example.com/stocks
    channel: A
    read_deadline_secs: 45
  narrow:
    url: wss://socket.example.com/stocks
    channel: AM
    symbols: [AAPL, TSLA]
`)

	loader := NewEndpointsLoader()
	require.NoError(t, loader.LoadFromFile(path))
	assert.ElementsMatch(t, []string{"delayed", "narrow"}, loader.Names())

	cfg, err := loader.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "wss://delayed.example.com/stocks", cfg.URL)
	assert.Equal(t, "A", cfg.Channel)
	assert.Equal(t, 45*time.Second, cfg.ReadDeadline)
	// Unset timeouts keep the ingester defaults.
	assert.Equal(t, DefaultConfig().HandshakeTimeout, cfg.HandshakeTimeout)

	cfg, err = loader.Resolve("narrow")
	require.NoError(t, err)
	assert.Equal(t, "AM", cfg.Channel)
	assert.Equal(t, []string{"AAPL", "TSLA"}, cfg.Symbols)
}

func TestEndpointsResolvePullsAPIKeyFromEnv(t *testing.T) {
	t.Setenv("STREAM_API_KEY", "sk-test")

	loader := NewEndpointsLoader()
	require.NoError(t, loader.LoadDefault())

	cfg, err := loader.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.APIKey)
}

func TestEndpointsUnknownNameFails(t *testing.T) {
	loader := NewEndpointsLoader()
	require.NoError(t, loader.LoadDefault())

	_, err := loader.Resolve("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestEndpointsResolveBeforeLoadFails(t *testing.T) {
	_, err := NewEndpointsLoader().Resolve("")
	require.Error(t, err)
}

func TestEndpointsValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no_endpoints", "default: x\nendpoints: {}\n"},
		{"no_default", "endpoints:\n  a:\n    url: wss://x\n"},
		{"default_missing", "default: b\nendpoints:\n  a:\n    url: wss://x\n"},
		{"empty_url", "default: a\nendpoints:\n  a:\n    url: \"\"\n"},
		{"http_url", "default: a\nendpoints:\n  a:\n    url: https://x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeEndpoints(t, tc.body)
			err := NewEndpointsLoader().LoadFromFile(path)
			require.Error(t, err)
		})
	}
}

func TestEndpointsMalformedYAMLFails(t *testing.T) {
	path := writeEndpoints(t, "default: [broken")
	require.Error(t, NewEndpointsLoader().LoadFromFile(path))
}
