// Package queue implements the Redis-resident data model and key
// namespace described in spec.md section 3 and section 6: the
// per-recipient FIFO queue, the active-recipient set, and the
// dead-letter queue. Lease keys are owned by the sibling lease package.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a message as reactive (reply to inbound text) or proactive
// (scheduler-emitted). The core never reorders or prioritizes by Kind;
// it exists purely for observability and producer-supplied hints.
type Kind string

const (
	KindReactive  Kind = "reactive"
	KindProactive Kind = "proactive"
)

func (k Kind) Valid() bool {
	return k == KindReactive || k == KindProactive
}

// Message is the unit of work, serialized verbatim into Redis lists.
// Field names match the wire format fixed by spec.md section 6.
type Message struct {
	RecipientID string            `json:"recipient_id"`
	ChatID      string            `json:"chat_id"`
	Text        string            `json:"text"`
	MessageType Kind              `json:"message_type"`
	Timestamp   time.Time         `json:"timestamp"`
	RetryCount  int               `json:"retry_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New builds a Message ready for enqueue: retry_count reset to zero and
// enqueued_at stamped with the current UTC time, per spec.md section 4.1.
func New(recipientID, text string, kind Kind, metadata map[string]string) Message {
	return Message{
		RecipientID: recipientID,
		ChatID:      recipientID,
		Text:        text,
		MessageType: kind,
		Timestamp:   time.Now().UTC(),
		RetryCount:  0,
		Metadata:    metadata,
	}
}

// Validate enforces the non-empty invariants from spec.md section 3.
func (m Message) Validate() error {
	if m.RecipientID == "" {
		return fmt.Errorf("recipient_id must not be empty")
	}
	if m.Text == "" {
		return fmt.Errorf("text must not be empty")
	}
	if !m.MessageType.Valid() {
		return fmt.Errorf("kind must be %q or %q, got %q", KindReactive, KindProactive, m.MessageType)
	}
	return nil
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal queued message: %w", err)
	}
	return m, nil
}
