// Package kafka provides a Kafka transport for xmessenger on segmentio/kafka-go.
//
// Importing the package registers the "kafka" DSN scheme:
//
//	kafka://broker-1:9092/orders?brokers=broker-2:9092,broker-3:9092&group=billing
//
// Sending writes to the topic with RequireAll acks. Receiving needs a consumer
// group; Ack and Reject both commit the offset since Kafka has no negative
// acknowledgement.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/trickstertwo/xmessenger"
)

func init() {
	if err := xmessenger.RegisterTransportFactory("kafka", func(_ context.Context, dsn xmessenger.DSN, deps xmessenger.TransportDeps) (xmessenger.Transport, error) {
		return NewTransport(ConfigFromDSN(dsn), deps.Serializer)
	}); err != nil {
		panic(fmt.Errorf("xmessenger: failed to register transport kafka: %w", err))
	}
}

// Config for the Kafka transport.
type Config struct {
	Brokers      []string
	Topic        string
	Group        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
	// PollTimeout bounds how long Get waits for a message.
	PollTimeout time.Duration
}

// ConfigFromDSN reads kafka://host:port/topic?brokers=&group=&batch_size=&batch_timeout=&async=&poll_timeout=.
func ConfigFromDSN(dsn xmessenger.DSN) Config {
	brokers := []string{dsn.URL.Host}
	if extra := dsn.Query("brokers", ""); extra != "" {
		for _, b := range strings.Split(extra, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	topic := "messages"
	if segs := dsn.PathSegments(); len(segs) > 0 {
		topic = segs[0]
	}
	return Config{
		Brokers:      brokers,
		Topic:        dsn.Query("topic", topic),
		Group:        dsn.Query("group", ""),
		BatchSize:    dsn.Int("batch_size", 1),
		BatchTimeout: dsn.Duration("batch_timeout", 10*time.Millisecond),
		Async:        dsn.Bool("async", false),
		PollTimeout:  dsn.Duration("poll_timeout", time.Second),
	}
}

// Transport writes to and optionally reads from one topic.
type Transport struct {
	cfg        Config
	serializer xmessenger.Serializer
	writer     *kafka.Writer

	readerOnce sync.Once
	reader     *kafka.Reader
	closed     atomic.Bool
}

var (
	_ xmessenger.Transport = (*Transport)(nil)
	_ xmessenger.Receiver  = (*Transport)(nil)
)

// NewTransport builds the writer. Kafka connections are opened on first use.
func NewTransport(cfg Config, s xmessenger.Serializer) (*Transport, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	if s == nil {
		s = xmessenger.NewSerializer(nil, nil)
	}
	return &Transport{
		cfg:        cfg,
		serializer: s,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
			Async:        cfg.Async,
		},
	}, nil
}

// Send writes env keyed by its message name.
func (t *Transport) Send(ctx context.Context, env *xmessenger.Envelope) (*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("kafka transport is closed")
	}
	p, err := t.serializer.Encode(env)
	if err != nil {
		return nil, err
	}
	msg := kafka.Message{
		Key:   []byte(p.Headers[xmessenger.HeaderType]),
		Value: p.Body,
	}
	for k, v := range p.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return nil, fmt.Errorf("kafka: write to %s: %w", t.cfg.Topic, err)
	}
	return env, nil
}

func (t *Transport) consumer() (*kafka.Reader, error) {
	if t.cfg.Group == "" {
		return nil, errors.New("kafka: consumer group required to receive")
	}
	t.readerOnce.Do(func() {
		t.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: t.cfg.Brokers,
			Topic:   t.cfg.Topic,
			GroupID: t.cfg.Group,
		})
	})
	return t.reader, nil
}

// Get fetches one message, waiting at most PollTimeout.
func (t *Transport) Get(ctx context.Context) ([]*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("kafka transport is closed")
	}
	r, err := t.consumer()
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	defer cancel()
	m, err := r.FetchMessage(pollCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("kafka: fetch from %s: %w", t.cfg.Topic, err)
	}

	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	env, err := t.serializer.Decode(xmessenger.Packet{Body: m.Value, Headers: headers})
	if err != nil {
		_ = r.CommitMessages(ctx, m)
		return nil, fmt.Errorf("kafka: decode %s: %w", offsetID(m.Partition, m.Offset), err)
	}
	return []*xmessenger.Envelope{env.With(
		xmessenger.ReceivedStamp{},
		xmessenger.TransportMessageIDStamp{ID: offsetID(m.Partition, m.Offset)},
	)}, nil
}

// Ack commits the message offset.
func (t *Transport) Ack(ctx context.Context, env *xmessenger.Envelope) error {
	return t.commit(ctx, env)
}

// Reject commits the message offset; the message is not redelivered.
func (t *Transport) Reject(ctx context.Context, env *xmessenger.Envelope) error {
	return t.commit(ctx, env)
}

func (t *Transport) commit(ctx context.Context, env *xmessenger.Envelope) error {
	r, err := t.consumer()
	if err != nil {
		return err
	}
	s, ok := xmessenger.Last[xmessenger.TransportMessageIDStamp](env)
	if !ok {
		return errors.New("kafka: envelope has no offset")
	}
	partition, offset, err := parseOffsetID(s.ID)
	if err != nil {
		return err
	}
	return r.CommitMessages(ctx, kafka.Message{Topic: t.cfg.Topic, Partition: partition, Offset: offset})
}

func offsetID(partition int, offset int64) string {
	return strconv.Itoa(partition) + ":" + strconv.FormatInt(offset, 10)
}

func parseOffsetID(id string) (int, int64, error) {
	p, o, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("kafka: invalid offset id %q", id)
	}
	partition, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, fmt.Errorf("kafka: invalid partition in %q: %w", id, err)
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("kafka: invalid offset in %q: %w", id, err)
	}
	return partition, offset, nil
}

// Close flushes the writer and closes the reader if one was opened.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	errs := []error{t.writer.Close()}
	if t.reader != nil {
		errs = append(errs, t.reader.Close())
	}
	return errors.Join(errs...)
}
