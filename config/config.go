// Package config loads bus configuration from YAML, .env files and
// MESSAGEBUS_* environment variables, in that order of precedence (last wins).
//
//	messageBus:
//	  transportDSNs:
//	    async: redis://localhost:6379/messages
//	    failed: memory://
//	  sendersLocatorMap:
//	    OrderCreated: async
//	  handlersLocatorMap:
//	    OrderCreated: [billing, audit]
//	  failureTransport: failed
//	  cachePath: /var/cache/app
//	  logPath: /var/log/app
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xmessenger"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MESSAGEBUS_"

// StringList is a list that also accepts a single scalar in YAML.
type StringList []string

// UnmarshalYAML accepts "a" as well as [a, b].
func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := n.Decode(&ss); err != nil {
			return err
		}
		*l = ss
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
	}
}

// parseStringList reads "a|b|c" from the environment.
func parseStringList(v string) (any, error) {
	var out StringList
	for _, s := range strings.Split(v, "|") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Config is the messageBus section.
type Config struct {
	// TransportDSNs maps transport names to DSNs.
	// Env: MESSAGEBUS_TRANSPORT_DSNS="async=redis://...;failed=memory://"
	TransportDSNs map[string]string `yaml:"transportDSNs" env:"TRANSPORT_DSNS" envSeparator:";" envKeyValSeparator:"="`
	// HandlersLocatorMap maps message names to handler names.
	// Env: MESSAGEBUS_HANDLERS_LOCATOR_MAP="OrderCreated=billing|audit"
	HandlersLocatorMap map[string]StringList `yaml:"handlersLocatorMap" env:"HANDLERS_LOCATOR_MAP" envSeparator:";" envKeyValSeparator:"="`
	// SendersLocatorMap maps message names to transport names.
	SendersLocatorMap map[string]StringList `yaml:"sendersLocatorMap" env:"SENDERS_LOCATOR_MAP" envSeparator:";" envKeyValSeparator:"="`
	FailureTransport  string                `yaml:"failureTransport" env:"FAILURE_TRANSPORT"`
	CachePath         string                `yaml:"cachePath" env:"CACHE_PATH"`
	LogPath           string                `yaml:"logPath" env:"LOG_PATH"`
	MaxRedeliveries   int                   `yaml:"maxRedeliveries" env:"MAX_REDELIVERIES"`
	// FailurePolicy is stop_on_first_failure (default) or collect_all_failures.
	FailurePolicy string `yaml:"failurePolicy" env:"FAILURE_POLICY"`
	// Serializer is json (default), cbor or cloudevents.
	Serializer string `yaml:"serializer" env:"SERIALIZER"`
	// Middlewares names custom stages, outermost first.
	// Env: MESSAGEBUS_MIDDLEWARES="audit|tenant"
	Middlewares StringList `yaml:"middlewares" env:"MIDDLEWARES"`
}

type document struct {
	MessageBus Config `yaml:"messageBus"`
}

type loader struct {
	envFiles []string
	environ  map[string]string
}

// LoadOption configures Load.
type LoadOption func(*loader)

// WithEnvFiles loads the given .env files instead of ".env".
// Missing files are skipped.
func WithEnvFiles(files ...string) LoadOption {
	return func(l *loader) { l.envFiles = files }
}

// WithEnvironment reads overrides from m instead of the process environment.
// No .env files are loaded.
func WithEnvironment(m map[string]string) LoadOption {
	return func(l *loader) { l.environ = m }
}

// Load reads the YAML file at path (optional), then applies environment overrides.
// The result is not validated.
func Load(path string, opts ...LoadOption) (*Config, error) {
	l := loader{envFiles: []string{".env"}}
	for _, o := range opts {
		o(&l)
	}

	var doc document
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg := doc.MessageBus

	if l.environ == nil {
		for _, f := range l.envFiles {
			if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: load %s: %w", f, err)
			}
		}
	}

	envOpts := env.Options{
		Prefix:      EnvPrefix,
		Environment: l.environ,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(StringList{}): parseStringList,
		},
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration is usable to build a bus.
func (c *Config) Validate() error {
	if len(c.TransportDSNs) == 0 {
		return xmessenger.Configurationf("missing configuration transportDSNs")
	}
	seen := make(map[string]bool, len(c.Middlewares))
	for _, m := range c.Middlewares {
		if strings.TrimSpace(m) == "" {
			return xmessenger.Configurationf("middlewares: empty name")
		}
		if seen[m] {
			return xmessenger.Configurationf("middlewares: %q listed twice", m)
		}
		seen[m] = true
	}

	seen := make(map[string]string, len(c.TransportDSNs))
	for _, name := range c.TransportNames() {
		key := xmessenger.NormalizeTransportName(name)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: %q and %q", xmessenger.ErrDuplicateTransport, prev, name)
		}
		seen[key] = name
		if strings.TrimSpace(c.TransportDSNs[name]) == "" {
			return xmessenger.Configurationf("transport %q has an empty DSN", name)
		}
	}

	for msg, targets := range c.SendersLocatorMap {
		for _, t := range targets {
			if _, ok := seen[xmessenger.NormalizeTransportName(t)]; !ok {
				return xmessenger.Configurationf("sender %q for message %q is not a configured transport", t, msg)
			}
		}
	}

	if c.FailureTransport != "" {
		if _, ok := seen[xmessenger.NormalizeTransportName(c.FailureTransport)]; !ok {
			return xmessenger.Configurationf("failure transport %q is not a configured transport", c.FailureTransport)
		}
	}
	if c.MaxRedeliveries < 0 {
		return xmessenger.Configurationf("maxRedeliveries must not be negative")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	switch c.Serializer {
	case "", "json", "cbor", "cloudevents":
	default:
		return xmessenger.Configurationf("unknown serializer %q", c.Serializer)
	}
	return nil
}

// TransportNames returns the configured transport names, sorted.
func (c *Config) TransportNames() []string {
	names := make([]string, 0, len(c.TransportDSNs))
	for n := range c.TransportDSNs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Policy parses FailurePolicy.
func (c *Config) Policy() (xmessenger.FailurePolicy, error) {
	switch strings.ToLower(c.FailurePolicy) {
	case "", xmessenger.StopOnFirstFailure.String():
		return xmessenger.StopOnFirstFailure, nil
	case xmessenger.CollectAllFailures.String():
		return xmessenger.CollectAllFailures, nil
	default:
		return 0, xmessenger.Configurationf("unknown failurePolicy %q", c.FailurePolicy)
	}
}

// Senders converts SendersLocatorMap for xmessenger.NewSendersLocator.
func (c *Config) Senders() map[string][]string {
	return toMap(c.SendersLocatorMap)
}

// Handlers converts HandlersLocatorMap; values are handler names.
func (c *Config) Handlers() map[string][]string {
	return toMap(c.HandlersLocatorMap)
}

func toMap(in map[string]StringList) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
