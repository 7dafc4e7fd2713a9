package queue

import "fmt"

// Key namespace is fixed wire format, per spec.md section 6.

func Key(recipientID string) string {
	return fmt.Sprintf("queue:%s", recipientID)
}

func InflightKey(recipientID string) string {
	return fmt.Sprintf("inflight:%s", recipientID)
}

func DLQKey(recipientID string) string {
	return fmt.Sprintf("dlq:%s", recipientID)
}

const ActiveRecipientsKey = "active_recipients"

// RecipientFromQueueKey extracts "{rid}" from a "queue:{rid}" key, used by
// the Dispatcher's startup SCAN recovery (spec.md section 4.3).
func RecipientFromQueueKey(key string) (string, bool) {
	const prefix = "queue:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

// RecipientFromInflightKey extracts "{rid}" from an "inflight:{rid}" key,
// used by the Dispatcher's startup recovery of messages stranded mid-
// delivery by a crashed worker (spec.md section 8, "no loss"/"recovery").
func RecipientFromInflightKey(key string) (string, bool) {
	const prefix = "inflight:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}
