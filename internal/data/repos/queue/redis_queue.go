package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fieldmesh/coremachine/internal/platform/envutil"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

const payloadField = "payload"

// redisStreamQueue implements Queue on a single Redis Stream with one
// consumer group. XREADGROUP gives every consumer its own pending-entries
// list (PEL); Complete acks out of the PEL, Abandon leaves the entry
// pending for a future XAUTOCLAIM once its idle time exceeds the lease.
type redisStreamQueue struct {
	log      *logger.Logger
	rdb      *goredis.Client
	stream   string
	group    string
	consumer string
	lease    time.Duration
}

// NewRedisQueue creates (or joins) a consumer group on the given stream
// key. consumerName should be unique per process (e.g. hostname+pid) so
// XAUTOCLAIM can tell a live consumer's backlog from a dead one's.
func NewRedisQueue(rdb *goredis.Client, baseLog *logger.Logger, streamKey, consumerName string) (Queue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	group := streamKey + "-group"
	err := rdb.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, streamKey, err)
	}

	return &redisStreamQueue{
		log:      baseLog.With("queue", streamKey),
		rdb:      rdb,
		stream:   streamKey,
		group:    group,
		consumer: consumerName,
		lease:    time.Duration(envutil.Int("LEASE_TIMEOUT_SECONDS", 300)) * time.Second,
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (q *redisStreamQueue) Send(ctx context.Context, payload []byte) error {
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
}

func (q *redisStreamQueue) SendBatch(ctx context.Context, payloads [][]byte) error {
	pipe := q.rdb.Pipeline()
	for _, p := range payloads {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{payloadField: p},
		})
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch enqueue %d messages on %s: %w", len(payloads), q.stream, err)
	}
	return nil
}

// Receive first tries to reclaim one message whose lease has expired
// (someone else's crashed or slow consumer), then falls back to a blocking
// read for new messages.
func (q *redisStreamQueue) Receive(ctx context.Context) (*Lease, error) {
	if lease, err := q.reclaimStale(ctx); err != nil {
		return nil, err
	} else if lease != nil {
		return lease, nil
	}

	res, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}
	for _, s := range res {
		for _, m := range s.Messages {
			return q.toLease(m), nil
		}
	}
	return nil, nil
}

func (q *redisStreamQueue) reclaimStale(ctx context.Context) (*Lease, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.lease,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return q.toLease(msgs[0]), nil
}

func (q *redisStreamQueue) toLease(m goredis.XMessage) *Lease {
	var payload []byte
	if raw, ok := m.Values[payloadField]; ok {
		switch v := raw.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
	}
	return &Lease{StreamKey: q.stream, Group: q.group, MessageID: m.ID, Payload: payload}
}

func (q *redisStreamQueue) Complete(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := q.rdb.XAck(ctx, lease.StreamKey, lease.Group, lease.MessageID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", lease.StreamKey, lease.MessageID, err)
	}
	// Trim the acked entry from the stream body; the PEL entry is already
	// gone after XAck, this just bounds stream growth.
	q.rdb.XDel(ctx, lease.StreamKey, lease.MessageID)
	return nil
}

// Abandon is a deliberate no-op against Redis: leaving the entry
// unacknowledged in the PEL is exactly what lets XAUTOCLAIM reclaim it once
// q.lease elapses. There is nothing to actively "release".
func (q *redisStreamQueue) Abandon(ctx context.Context, lease *Lease) error {
	q.log.Debug("abandoning lease for redelivery", "message_id", lease.MessageID)
	return nil
}

// Peek reads the most recent entries directly off the stream (XRevRange),
// bypassing the consumer group entirely, so inspecting a dead-letter stream
// never creates or disturbs a PEL entry.
func (q *redisStreamQueue) Peek(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.rdb.XRevRangeN(ctx, q.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xrevrange %s: %w", q.stream, err)
	}
	out := make([]DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		lease := q.toLease(m)
		out = append(out, DeadLetterEntry{MessageID: m.ID, Payload: lease.Payload})
	}
	return out, nil
}

func (q *redisStreamQueue) DeadLetter(ctx context.Context, lease *Lease, reason string) error {
	if err := q.Complete(ctx, lease); err != nil {
		return err
	}
	envelope := map[string]any{
		"reason":         reason,
		"source_stream":  lease.StreamKey,
		"original_bytes": json.RawMessage(lease.Payload),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal dead-letter envelope: %w", err)
	}
	dlqStream := envutil.String("DEAD_LETTER_QUEUE_NAME", "coremachine-dead-letter")
	if err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]any{payloadField: raw},
	}).Err(); err != nil {
		return fmt.Errorf("publish to dead-letter queue %s: %w", dlqStream, err)
	}
	return nil
}
