// Package queue is the JobQueue/TaskQueue abstraction (spec §4.1): at-least-
// once delivery with a renewable visibility-timeout lease. Two queues (job,
// task) plus a dead-letter queue are each an independent instance of Queue.
package queue

import "context"

// Lease identifies one in-flight delivery. Opaque outside this package;
// callers pass it back unmodified to Complete/Abandon/DeadLetter.
type Lease struct {
	StreamKey string
	Group     string
	MessageID string
	Payload   []byte
}

// Queue is the broker-facing interface every CoreMachine loop polls.
// Implementations must guarantee at-least-once delivery: a message is only
// ever removed from the pending set by Complete or DeadLetter.
type Queue interface {
	Send(ctx context.Context, payload []byte) error
	SendBatch(ctx context.Context, payloads [][]byte) error

	// Receive blocks (bounded by ctx) for the next available message,
	// preferring messages reclaimed from a stale lease over brand-new
	// ones so a crashed consumer's backlog drains before new work starts.
	// Returns (nil, nil) on a timeout with nothing available.
	Receive(ctx context.Context) (*Lease, error)

	Complete(ctx context.Context, lease *Lease) error

	// Abandon releases the lease without acknowledging it, leaving the
	// message pending for redelivery once its visibility timeout elapses.
	Abandon(ctx context.Context, lease *Lease) error

	// DeadLetter acknowledges the lease against this queue and republishes
	// the payload (with reason attached) to the configured dead-letter
	// queue.
	DeadLetter(ctx context.Context, lease *Lease, reason string) error
}

// DeadLetterEntry is one inspected dead-letter message (read-only; spec §12's
// post-mortem inspection endpoint, not part of the core send/receive
// contract).
type DeadLetterEntry struct {
	MessageID string
	Payload   []byte
}

// Inspectable is implemented by Queue backends that support a non-destructive
// peek over recent messages, independent of any consumer group's PEL.
type Inspectable interface {
	Peek(ctx context.Context, limit int) ([]DeadLetterEntry, error)
}
