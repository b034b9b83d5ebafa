package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trickstertwo/xmessenger"
)

const TransportName = "memory"

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	for _, scheme := range []string{"memory", "in-memory"} {
		if err := xmessenger.RegisterTransportFactory(scheme, func(_ context.Context, dsn xmessenger.DSN, deps xmessenger.TransportDeps) (xmessenger.Transport, error) {
			return NewTransport(ConfigFromDSN(dsn), deps.Serializer), nil
		}); err != nil {
			panic(fmt.Errorf("xmessenger/memory: failed to register transport: %w", err))
		}
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BatchSize is the maximum number of envelopes returned by Get (default: 1).
	BatchSize int
	// Serialize round-trips envelopes through the serializer on send, so tests
	// catch messages that would not survive a real broker (default: false).
	Serialize bool
}

// ConfigFromDSN reads memory://[name]?batch_size=10&serialize=true.
func ConfigFromDSN(dsn xmessenger.DSN) Config {
	return Config{
		BatchSize: maxInt(1, dsn.Int("batch_size", 1)),
		Serialize: dsn.Bool("serialize", false),
	}
}

// Transport is an in-process queue implementing xmessenger.Transport and
// xmessenger.Receiver (dev/testing). It also records what was sent, acked
// and rejected for assertions.
type Transport struct {
	cfg        Config
	serializer xmessenger.Serializer

	mu       sync.Mutex
	queue    []*entry
	inflight map[string]*entry
	sent     []*xmessenger.Envelope
	acked    []*xmessenger.Envelope
	rejected []*xmessenger.Envelope

	closed atomic.Bool

	// Metrics for observability
	metrics *transportMetrics
}

type entry struct {
	id           string
	env          *xmessenger.Envelope
	packet       xmessenger.Packet
	redeliveries int
}

type transportMetrics struct {
	sent        atomic.Uint64
	received    atomic.Uint64
	acked       atomic.Uint64
	rejected    atomic.Uint64
	redelivered atomic.Uint64
	discarded   atomic.Uint64
}

var (
	_ xmessenger.Transport = (*Transport)(nil)
	_ xmessenger.Receiver  = (*Transport)(nil)
)

// NewTransport creates a new in-memory transport. The serializer is only
// used when cfg.Serialize is set; nil selects the default JSON serializer.
func NewTransport(cfg Config, s xmessenger.Serializer) *Transport {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if s == nil {
		s = xmessenger.NewSerializer(nil, nil)
	}
	return &Transport{
		cfg:        cfg,
		serializer: s,
		inflight:   make(map[string]*entry),
		metrics:    &transportMetrics{},
	}
}

// Send queues env and returns it stamped with its transport message ID.
func (t *Transport) Send(ctx context.Context, env *xmessenger.Envelope) (*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := &entry{id: uuid.New().String(), env: env}
	if t.cfg.Serialize {
		p, err := t.serializer.Encode(env)
		if err != nil {
			return nil, err
		}
		e.packet = p
		e.env = nil
	}

	out := env.With(xmessenger.TransportMessageIDStamp{ID: e.id})

	t.mu.Lock()
	t.queue = append(t.queue, e)
	t.sent = append(t.sent, out)
	t.mu.Unlock()

	t.metrics.sent.Add(1)
	return out, nil
}

// Get pops up to BatchSize queued envelopes. They stay in flight until Ack,
// Reject or Requeue. Entries that cannot be decoded are discarded; the
// decodable rest of the batch is returned together with the decode errors.
func (t *Transport) Get(ctx context.Context) ([]*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n := min(len(t.queue), t.cfg.BatchSize)
	batch := t.queue[:n:n]
	t.queue = t.queue[n:]

	var decodeErrs []error
	out := make([]*xmessenger.Envelope, 0, n)
	for _, e := range batch {
		env := e.env
		if env == nil {
			decoded, err := t.serializer.Decode(e.packet)
			if err != nil {
				t.metrics.discarded.Add(1)
				decodeErrs = append(decodeErrs, fmt.Errorf("memory transport: decode %s: %w", e.id, err))
				continue
			}
			env = decoded
		}
		t.inflight[e.id] = e
		out = append(out, env.With(
			xmessenger.ReceivedStamp{RedeliveryCount: e.redeliveries},
			xmessenger.TransportMessageIDStamp{ID: e.id},
		))
		t.metrics.received.Add(1)
	}
	return out, errors.Join(decodeErrs...)
}

// Ack removes an in-flight envelope.
func (t *Transport) Ack(_ context.Context, env *xmessenger.Envelope) error {
	if _, err := t.settle(env); err != nil {
		return err
	}
	t.mu.Lock()
	t.acked = append(t.acked, env)
	t.mu.Unlock()
	t.metrics.acked.Add(1)
	return nil
}

// Reject discards an in-flight envelope.
func (t *Transport) Reject(_ context.Context, env *xmessenger.Envelope) error {
	if _, err := t.settle(env); err != nil {
		return err
	}
	t.mu.Lock()
	t.rejected = append(t.rejected, env)
	t.mu.Unlock()
	t.metrics.rejected.Add(1)
	return nil
}

// Requeue puts an in-flight envelope back at the tail of the queue.
// Its next delivery carries an incremented redelivery count.
func (t *Transport) Requeue(_ context.Context, env *xmessenger.Envelope) error {
	e, err := t.settle(env)
	if err != nil {
		return err
	}
	e.redeliveries++
	t.mu.Lock()
	t.queue = append(t.queue, e)
	t.mu.Unlock()
	t.metrics.redelivered.Add(1)
	return nil
}

func (t *Transport) settle(env *xmessenger.Envelope) (*entry, error) {
	id, ok := xmessenger.Last[xmessenger.TransportMessageIDStamp](env)
	if !ok {
		return nil, errors.New("memory transport: envelope has no transport message id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inflight[id.ID]
	if !ok {
		return nil, fmt.Errorf("memory transport: message %s is not in flight", id.ID)
	}
	delete(t.inflight, id.ID)
	return e, nil
}

// Sent returns the envelopes sent so far.
func (t *Transport) Sent() []*xmessenger.Envelope { return t.snapshot(&t.sent) }

// Acknowledged returns the envelopes acked so far.
func (t *Transport) Acknowledged() []*xmessenger.Envelope { return t.snapshot(&t.acked) }

// Rejected returns the envelopes rejected so far.
func (t *Transport) Rejected() []*xmessenger.Envelope { return t.snapshot(&t.rejected) }

// Len returns the number of queued (not in-flight) envelopes.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// InFlight returns the number of envelopes received but not yet settled.
func (t *Transport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *Transport) snapshot(src *[]*xmessenger.Envelope) []*xmessenger.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*xmessenger.Envelope, len(*src))
	copy(out, *src)
	return out
}

// Reset drops queued, in-flight and recorded envelopes.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.queue = nil
	t.inflight = make(map[string]*entry)
	t.sent, t.acked, t.rejected = nil, nil, nil
	t.mu.Unlock()
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	t.Reset()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Sent        uint64
	Received    uint64
	Acked       uint64
	Rejected    uint64
	Redelivered uint64
	Discarded   uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:        t.metrics.sent.Load(),
		Received:    t.metrics.received.Load(),
		Acked:       t.metrics.acked.Load(),
		Rejected:    t.metrics.rejected.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Discarded:   t.metrics.discarded.Load(),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
