package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrStorageUnavailable is returned when Redis refuses an operation the
// Enqueuer needs to make durable, per spec.md section 7.
type ErrStorageUnavailable struct {
	Op  string
	Err error
}

func (e *ErrStorageUnavailable) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrStorageUnavailable) Unwrap() error { return e.Err }

// Store wraps the Redis operations the rest of the core needs against the
// queue/active-set/DLQ key namespace. The lease namespace is handled by
// the sibling lease package so that mutual exclusion stays a separate,
// independently testable concern.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Push appends msg to the recipient's queue and marks the recipient active.
// Both operations are pipelined so a single round trip either lands both
// or neither reaches Redis; per spec.md 4.1 the Enqueuer only fails with
// ErrStorageUnavailable if the pipeline itself cannot be executed.
func (s *Store) Push(ctx context.Context, msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, Key(msg.RecipientID), data)
	pipe.SAdd(ctx, ActiveRecipientsKey, msg.RecipientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &ErrStorageUnavailable{Op: "enqueue", Err: err}
	}
	return nil
}

// PopFront atomically moves the head of the recipient's queue into an
// in-flight staging list and returns it decoded. Using LMOVE instead of a
// bare LPOP means a crash between pop and send loses nothing: the message
// is still recorded in inflight:{rid} until Ack/Requeue/DeadLetter clears
// it (spec.md section 9, "at-least-once, not exactly-once").
// Returns (nil, nil, nil) when the queue is empty.
func (s *Store) PopFront(ctx context.Context, recipientID string) (*Message, []byte, error) {
	raw, err := s.rdb.LMove(ctx, Key(recipientID), InflightKey(recipientID), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pop front: %w", err)
	}
	msg, err := Unmarshal([]byte(raw))
	if err != nil {
		return nil, []byte(raw), err
	}
	return &msg, []byte(raw), nil
}

// AckInflight clears a successfully delivered message from the in-flight
// staging list.
func (s *Store) AckInflight(ctx context.Context, recipientID string, raw []byte) error {
	if err := s.rdb.LRem(ctx, InflightKey(recipientID), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack inflight: %w", err)
	}
	return nil
}

// RequeueHead re-heads msg onto the recipient's queue (preserving its place
// ahead of later-enqueued messages, per spec.md section 5) and clears the
// old encoding from the in-flight list.
func (s *Store) RequeueHead(ctx context.Context, recipientID string, oldRaw []byte, msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, Key(recipientID), data)
	pipe.SAdd(ctx, ActiveRecipientsKey, recipientID)
	pipe.LRem(ctx, InflightKey(recipientID), 1, oldRaw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue head: %w", err)
	}
	return nil
}

// MoveToDeadLetter relocates an exhausted message to dlq:{rid} and clears
// it from the in-flight list, per spec.md section 3 (lifecycle) and
// section 4.3 (retry-bound edge case).
func (s *Store) MoveToDeadLetter(ctx context.Context, recipientID string, oldRaw []byte, msg Message, lastErr string) error {
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	msg.Metadata["last_error"] = lastErr
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, DLQKey(recipientID), data)
	if oldRaw != nil {
		pipe.LRem(ctx, InflightKey(recipientID), 1, oldRaw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	return nil
}

// MoveRawToDeadLetter dead-letters a payload that failed to deserialize.
// Since the bytes didn't parse as a Message, they're wrapped in a
// placeholder so DLQ inspection still records what was dequeued and why
// (spec.md section 7, "MalformedPayload").
func (s *Store) MoveRawToDeadLetter(ctx context.Context, recipientID string, raw []byte, lastErr string) error {
	placeholder := Message{
		RecipientID: recipientID,
		Text:        string(raw),
		MessageType: KindReactive,
		Metadata:    map[string]string{"last_error": lastErr, "malformed": "true"},
	}
	data, err := placeholder.Marshal()
	if err != nil {
		return fmt.Errorf("marshal malformed placeholder: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, DLQKey(recipientID), data)
	pipe.LRem(ctx, InflightKey(recipientID), 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move malformed payload to dead letter: %w", err)
	}
	return nil
}

// QueueLen reports how many messages remain in the recipient's queue.
func (s *Store) QueueLen(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.rdb.LLen(ctx, Key(recipientID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// AddActive marks recipientID as having a (believed) non-empty queue.
func (s *Store) AddActive(ctx context.Context, recipientID string) error {
	if err := s.rdb.SAdd(ctx, ActiveRecipientsKey, recipientID).Err(); err != nil {
		return fmt.Errorf("add active: %w", err)
	}
	return nil
}

// RemoveActive removes recipientID from the active set. Only the
// Dispatcher may call this, and only while holding the recipient's lease
// (spec.md section 9, "active-set gardening").
func (s *Store) RemoveActive(ctx context.Context, recipientID string) error {
	if err := s.rdb.SRem(ctx, ActiveRecipientsKey, recipientID).Err(); err != nil {
		return fmt.Errorf("remove active: %w", err)
	}
	return nil
}

// ActiveMembers lists the recipients currently believed to have backlog.
func (s *Store) ActiveMembers(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, ActiveRecipientsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("active members: %w", err)
	}
	return members, nil
}

// ScanQueueKeys walks every queue:* key in the backend, used by the
// Dispatcher at startup to recover active-recipient membership that was
// lost along with a prior process (spec.md section 4.3).
func (s *Store) ScanQueueKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, "queue:*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan queue keys: %w", err)
	}
	return keys, nil
}

// ScanInflightKeys walks every inflight:* key in the backend, used by the
// Dispatcher at startup to find messages a crashed worker LMOVEd out of
// queue:{rid} but never Ack'd, requeued, or dead-lettered (spec.md
// section 8, "no loss"/"recovery").
func (s *Store) ScanInflightKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, "inflight:*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan inflight keys: %w", err)
	}
	return keys, nil
}

// RecoverInflight moves every message left in inflight:{rid} back onto
// the head of queue:{rid}, preserving the original FIFO order, so a
// worker that crashed between PopFront and Ack/Requeue/DeadLetter leaves
// nothing stranded. Each LMOVE takes the most-recently-staged entry off
// the right of inflight and pushes it onto the left of queue; repeating
// that from the most recent entry down to the oldest reconstructs the
// original order at the head of the queue.
func (s *Store) RecoverInflight(ctx context.Context, recipientID string) (int, error) {
	n := 0
	for {
		err := s.rdb.LMove(ctx, InflightKey(recipientID), Key(recipientID), "RIGHT", "LEFT").Err()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover inflight: %w", err)
		}
		n++
	}
	return n, nil
}

// DeadLetters returns up to limit messages from the recipient's DLQ, in
// enqueue order, for operator inspection.
func (s *Store) DeadLetters(ctx context.Context, recipientID string, limit int64) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, DLQKey(recipientID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		msg, err := Unmarshal([]byte(r))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// RequeueOldestDeadLetter pops the oldest message out of the recipient's
// DLQ and re-enqueues it with a fresh retry budget, for manual operator
// replay via the admin server.
func (s *Store) RequeueOldestDeadLetter(ctx context.Context, recipientID string) (bool, error) {
	raw, err := s.rdb.LPop(ctx, DLQKey(recipientID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pop dead letter: %w", err)
	}
	msg, err := Unmarshal([]byte(raw))
	if err != nil {
		return false, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	msg.RetryCount = 0
	if err := s.Push(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}
