package stream

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// EndpointsDoc is the on-disk table of named stream endpoints. Deployments
// point the ingester at different feeds (delayed, realtime, per-venue)
// without a rebuild.
type EndpointsDoc struct {
	// Default names the endpoint used when the caller does not pick one.
	Default   string                   `yaml:"default"`
	Endpoints map[string]EndpointEntry `yaml:"endpoints"`
}

// EndpointEntry is one feed. Zero timeout fields fall back to the ingester
// defaults.
type EndpointEntry struct {
	URL                  string   `yaml:"url"`
	Channel              string   `yaml:"channel"`
	Symbols              []string `yaml:"symbols"`
	HandshakeTimeoutSecs int      `yaml:"handshake_timeout_secs"`
	ReadDeadlineSecs     int      `yaml:"read_deadline_secs"`
	MaxBackoffSecs       int      `yaml:"max_backoff_secs"`
}

// EndpointsLoader loads and resolves the endpoints document.
type EndpointsLoader struct {
	doc *EndpointsDoc
}

func NewEndpointsLoader() *EndpointsLoader {
	return &EndpointsLoader{}
}

// LoadFromFile reads and validates the endpoints document at path.
func (l *EndpointsLoader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read endpoints file %s: %w", path, err)
	}

	var doc EndpointsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse endpoints file %s: %w", path, err)
	}

	if err := validateEndpoints(&doc); err != nil {
		return fmt.Errorf("endpoints file %s: %w", path, err)
	}

	l.doc = &doc
	return nil
}

// LoadDefault installs the built-in table: a single delayed aggregate feed.
func (l *EndpointsLoader) LoadDefault() error {
	doc := &EndpointsDoc{
		Default: "delayed",
		Endpoints: map[string]EndpointEntry{
			"delayed": {
				URL:     "wss://delayed.polygon.io/stocks",
				Channel: "A",
			},
			"realtime": {
				URL:     "wss://socket.polygon.io/stocks",
				Channel: "A",
			},
		},
	}
	if err := validateEndpoints(doc); err != nil {
		return err
	}
	l.doc = doc
	return nil
}

// Resolve merges the named endpoint onto the ingester defaults. An empty
// name picks the document's default endpoint. The API key always comes from
// the environment.
func (l *EndpointsLoader) Resolve(name string) (Config, error) {
	if l.doc == nil {
		return Config{}, fmt.Errorf("endpoints not loaded")
	}
	if name == "" {
		name = l.doc.Default
	}
	entry, ok := l.doc.Endpoints[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown stream endpoint %q", name)
	}

	cfg := DefaultConfig()
	cfg.URL = entry.URL
	if entry.Channel != "" {
		cfg.Channel = entry.Channel
	}
	if len(entry.Symbols) > 0 {
		cfg.Symbols = entry.Symbols
	}
	if entry.HandshakeTimeoutSecs > 0 {
		cfg.HandshakeTimeout = time.Duration(entry.HandshakeTimeoutSecs) * time.Second
	}
	if entry.ReadDeadlineSecs > 0 {
		cfg.ReadDeadline = time.Duration(entry.ReadDeadlineSecs) * time.Second
	}
	if entry.MaxBackoffSecs > 0 {
		cfg.MaxBackoff = time.Duration(entry.MaxBackoffSecs) * time.Second
	}
	cfg.APIKey = os.Getenv("STREAM_API_KEY")

	return cfg, nil
}

// Names lists the endpoints in the loaded document.
func (l *EndpointsLoader) Names() []string {
	if l.doc == nil {
		return nil
	}
	names := make([]string, 0, len(l.doc.Endpoints))
	for name := range l.doc.Endpoints {
		names = append(names, name)
	}
	return names
}

func validateEndpoints(doc *EndpointsDoc) error {
	if len(doc.Endpoints) == 0 {
		return fmt.Errorf("no endpoints defined")
	}
	if doc.Default == "" {
		return fmt.Errorf("no default endpoint named")
	}
	if _, ok := doc.Endpoints[doc.Default]; !ok {
		return fmt.Errorf("default endpoint %q not defined", doc.Default)
	}
	for name, entry := range doc.Endpoints {
		if entry.URL == "" {
			return fmt.Errorf("endpoint %s: empty url", name)
		}
		if !strings.HasPrefix(entry.URL, "ws://") && !strings.HasPrefix(entry.URL, "wss://") {
			return fmt.Errorf("endpoint %s: url %q is not a websocket address", name, entry.URL)
		}
	}
	return nil
}
