package xmessenger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DSN is a parsed transport connection string: scheme://connection-details.
type DSN struct {
	Raw    string
	Scheme string
	URL    *url.URL
}

// ParseDSN splits raw into its lowercased scheme and URL.
func ParseDSN(raw string) (DSN, error) {
	raw = strings.TrimSpace(raw)
	i := strings.Index(raw, "://")
	if i <= 0 {
		return DSN{}, fmt.Errorf("%w: %q", ErrUnknownTransportScheme, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return DSN{}, &ConfigurationError{Reason: "invalid transport DSN", Err: err}
	}
	return DSN{Raw: raw, Scheme: strings.ToLower(raw[:i]), URL: u}, nil
}

func (d DSN) String() string { return redact(d.URL) }

// Query returns the query parameter key or def when absent.
func (d DSN) Query(key, def string) string {
	if d.URL == nil {
		return def
	}
	if v := d.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

// Int returns the integer query parameter key or def when absent or malformed.
func (d DSN) Int(key string, def int) int {
	if n, err := strconv.Atoi(d.Query(key, "")); err == nil {
		return n
	}
	return def
}

// Bool returns the boolean query parameter key or def when absent or malformed.
func (d DSN) Bool(key string, def bool) bool {
	if b, err := strconv.ParseBool(d.Query(key, "")); err == nil {
		return b
	}
	return def
}

// Duration returns the duration query parameter key ("500ms", "5s") or def.
func (d DSN) Duration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(d.Query(key, "")); err == nil {
		return v
	}
	return def
}

// PathSegments returns the non-empty, unescaped path segments.
func (d DSN) PathSegments() []string {
	if d.URL == nil {
		return nil
	}
	var out []string
	for _, p := range strings.Split(d.URL.EscapedPath(), "/") {
		if p == "" {
			continue
		}
		if v, err := url.PathUnescape(p); err == nil {
			p = v
		}
		out = append(out, p)
	}
	return out
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

// TransportDeps are the shared collaborators handed to transport factories.
type TransportDeps struct {
	Serializer Serializer
	Logger     *xlog.Logger
	Clock      xclock.Clock
}

func (d TransportDeps) withDefaults() TransportDeps {
	if d.Serializer == nil {
		d.Serializer = NewSerializer(JSONCodec{}, nil)
	}
	if d.Logger == nil {
		d.Logger = xlog.Default()
	}
	if d.Clock == nil {
		d.Clock = xclock.Default()
	}
	return d
}

// TransportFactory constructs a transport from a DSN.
type TransportFactory func(ctx context.Context, dsn DSN, deps TransportDeps) (Transport, error)

var (
	transportFactoriesMu sync.RWMutex
	transportFactories   = map[string]TransportFactory{}
)

// RegisterTransportFactory registers a driver for a DSN scheme.
// Drivers call it from init(); a later registration for the same scheme wins.
func RegisterTransportFactory(scheme string, factory TransportFactory) error {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return errors.New("transport scheme must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportFactoriesMu.Lock()
	transportFactories[scheme] = factory
	transportFactoriesMu.Unlock()
	return nil
}

// TransportSchemes lists the registered DSN schemes, sorted.
func TransportSchemes() []string {
	transportFactoriesMu.RLock()
	out := make([]string, 0, len(transportFactories))
	for s := range transportFactories {
		out = append(out, s)
	}
	transportFactoriesMu.RUnlock()
	sort.Strings(out)
	return out
}

func lookupTransportFactory(scheme string) (TransportFactory, bool) {
	transportFactoriesMu.RLock()
	f, ok := transportFactories[scheme]
	transportFactoriesMu.RUnlock()
	return f, ok
}

// NewTransport constructs a transport from a DSN using the registered factory for its scheme.
func NewTransport(ctx context.Context, dsn string, deps TransportDeps) (Transport, error) {
	d, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	f, ok := lookupTransportFactory(d.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransportScheme, d.Scheme)
	}
	return f(ctx, d, deps.withDefaults())
}
