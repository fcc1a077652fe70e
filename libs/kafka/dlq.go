package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter reasons.
const (
	ReasonInvalidPayload = "invalid_payload"
	ReasonMaxRetries     = "max_retries"
	ReasonPublishFailed  = "publish_failed"
)

// Dead-letter stages: where the message was when it failed.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a handler error as permanent: the consumer dead-letters
// the message instead of retrying it.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the dead-letter topic for both
// consumed messages and failed publishes. Payload holds the original value.
type DeadLetter struct {
	Stage     string    `json:"stage"`
	Topic     string    `json:"topic"`
	Partition *int32    `json:"partition,omitempty"`
	Offset    *int64    `json:"offset,omitempty"`
	Key       string    `json:"key,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	Payload   []byte    `json:"payload"`
	FailedAt  time.Time `json:"failed_at"`
}

func consumedDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int, now time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:    StageConsume,
		Reason:   err.Reason,
		Attempts: attempts,
		FailedAt: now.UTC(),
	}
	if err.Err != nil {
		dl.Error = err.Err.Error()
	}
	if msg == nil {
		return dl
	}
	partition, offset := msg.Partition, msg.Offset
	dl.Topic = msg.Topic
	dl.Partition = &partition
	dl.Offset = &offset
	dl.Key = string(msg.Key)
	dl.Payload = msg.Value
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == HeaderEventID {
			dl.EventID = string(h.Value)
		}
	}
	return dl
}

func publishDeadLetter(topic, key string, value any, err error, now time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:    StagePublish,
		Topic:    topic,
		Key:      key,
		Reason:   ReasonPublishFailed,
		Attempts: 1,
		FailedAt: now.UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if ev, ok := value.(enveloped); ok {
		dl.EventID = ev.envelope().EventID
	}
	if raw, marshalErr := json.Marshal(value); marshalErr == nil {
		dl.Payload = raw
	} else {
		dl.Payload = []byte(fmt.Sprintf("%v", value))
	}
	return dl
}
