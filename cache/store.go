// Package cache is a small filesystem key/value store shared by bus
// processes on one host. Workers use it to notice restart requests.
package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xmessenger"
)

// Namespace is the directory created under the cache path.
const Namespace = "message-bus"

// RestartKey holds the time of the last worker restart request.
const RestartKey = "workers.restart_requested_timestamp"

// Store keeps one file per key under <path>/message-bus.
type Store struct {
	dir   string
	clock xclock.Clock
}

var _ xmessenger.RestartSignal = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiry.
func WithClock(c xclock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New creates the namespace directory under path.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, xmessenger.Configurationf(`the "cachePath" variable is not defined, please specify where to store the cache`)
	}
	s := &Store{dir: filepath.Join(path, Namespace), clock: xclock.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", s.dir, err)
	}
	return s, nil
}

// Dir returns the namespace directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) file(key string) string {
	return filepath.Join(s.dir, strconv.FormatUint(xxhash.Sum64String(key), 16))
}

// Get returns the value for key. Expired entries are removed and reported missing.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	f, err := os.Open(s.file(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %q: %w", key, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %q: %w", key, err)
	}
	expires, err := strconv.ParseInt(header[:len(header)-1], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("cache: corrupt entry %q: %w", key, err)
	}
	if expires > 0 && s.clock.Now().UnixNano() >= expires {
		_ = os.Remove(f.Name())
		return nil, false, nil
	}
	val, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %q: %w", key, err)
	}
	return val, true, nil
}

// Set stores val under key; ttl <= 0 never expires.
// The file is replaced atomically so readers never see a partial write.
func (s *Store) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl).UnixNano()
	}
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(expires, 10))
	buf.WriteByte('\n')
	buf.Write(val)

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: write %q: %w", key, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("cache: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("cache: write %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.file(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("cache: write %q: %w", key, err)
	}
	return nil
}

// Delete removes key; a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.file(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

// RequestWorkerRestart asks running workers to stop after their current message.
func (s *Store) RequestWorkerRestart(ctx context.Context) error {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	return s.Set(ctx, RestartKey, []byte(now), 0)
}

// RestartRequestedAt returns the last restart request or the zero time.
func (s *Store) RestartRequestedAt(ctx context.Context) (time.Time, error) {
	v, ok, err := s.Get(ctx, RestartKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: corrupt restart timestamp: %w", err)
	}
	return at, nil
}
