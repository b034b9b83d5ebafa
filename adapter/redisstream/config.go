package redisstream

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/trickstertwo/xmessenger"
)

// Config for Redis Streams transport with production-grade settings.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream and consumer group
	Stream     string
	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// Stream management
	AutoDeleteOnAck bool
	MaxLenApprox    int64

	// Pending entry recovery: entries idle longer than ClaimMinIdle on any
	// consumer are claimed and redelivered. Zero disables claiming.
	ClaimMinIdle time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xmessenger"
	}

	return Config{
		Addr:       "127.0.0.1:6379",
		Stream:     "messages",
		Group:      "xmessenger",
		Consumer:   fmt.Sprintf("xmessenger-%s-%d", hostname, os.Getpid()),
		BatchSize:  1,
		AutoCreate: true,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block < 0 {
		return fmt.Errorf("config: block must be >= 0, got %v", c.Block)
	}
	return nil
}

// ConfigFromDSN reads
//
//	redis[s]://[user:password@]host:port[/stream[/group[/consumer]]]?db=0&batch_size=10&block=1s
//
// Query keys: db, batch_size, block, auto_setup, delete_after_ack, max_len,
// claim_min_idle, tls_server_name, stream, group, consumer.
func ConfigFromDSN(dsn xmessenger.DSN) Config {
	c := Defaults()
	u := dsn.URL

	if u.Host != "" {
		c.Addr = u.Host
		if u.Port() == "" {
			c.Addr = u.Host + ":6379"
		}
	}
	if u.User != nil {
		c.Username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			c.Password = p
		} else if c.Username != "" {
			// redis://secret@host: a lone userinfo is the password (AUTH without ACL user).
			c.Password, c.Username = c.Username, ""
		}
	}
	c.TLS = dsn.Scheme == "rediss"
	c.TLSServerName = dsn.Query("tls_server_name", u.Hostname())

	segs := dsn.PathSegments()
	if len(segs) > 0 {
		c.Stream = segs[0]
	}
	if len(segs) > 1 {
		c.Group = segs[1]
	}
	if len(segs) > 2 {
		c.Consumer = segs[2]
	}
	c.Stream = dsn.Query("stream", c.Stream)
	c.Group = dsn.Query("group", c.Group)
	c.Consumer = dsn.Query("consumer", c.Consumer)

	c.DB = dsn.Int("db", c.DB)
	c.BatchSize = dsn.Int("batch_size", c.BatchSize)
	c.Block = dsn.Duration("block", c.Block)
	c.AutoCreate = dsn.Bool("auto_setup", c.AutoCreate)
	c.AutoDeleteOnAck = dsn.Bool("delete_after_ack", c.AutoDeleteOnAck)
	if v, err := strconv.ParseInt(dsn.Query("max_len", ""), 10, 64); err == nil && v > 0 {
		c.MaxLenApprox = v
	}
	c.ClaimMinIdle = dsn.Duration("claim_min_idle", c.ClaimMinIdle)

	return c
}
