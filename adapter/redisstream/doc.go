// Package redisstream provides a Redis Streams transport for xmessenger.
//
// Importing the package registers the "redis" and "rediss" DSN schemes:
//
//	redis://:secret@localhost:6379/orders/billing/worker-1?batch_size=10&block=2s
//
// The path names the stream, consumer group and consumer. Sending uses XADD;
// receiving reads the consumer's own pending entries first (redeliveries),
// then new entries with XREADGROUP. Ack is XACK (plus XDEL with
// delete_after_ack=true); Reject is XACK followed by XDEL.
package redisstream
