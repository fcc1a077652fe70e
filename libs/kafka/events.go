package kafka

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	HeaderEventID      = "event_id"
	HeaderEventType    = "event_type"
	HeaderEventVersion = "event_version"
)

// Envelope is embedded in every event payload. Timestamp is when the fact
// happened, not when it was encoded, so rebuilding an event yields the same
// bytes.
type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEnvelope derives the event id from eventType and identity. Identity
// must name the fact (trade id, order id and state, ...).
func NewEnvelope(eventType string, version int, occurredAt time.Time, identity ...string) (Envelope, error) {
	env := Envelope{
		EventType:    eventType,
		EventVersion: version,
		Timestamp:    occurredAt.UTC(),
	}
	if len(identity) == 0 {
		return Envelope{}, errors.New("event identity is required")
	}
	env.EventID = DeterministicEventID(append([]string{eventType}, identity...)...)
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event_id is required")
	case e.EventType == "":
		return errors.New("event_type is required")
	case e.EventVersion <= 0:
		return errors.New("event_version must be positive")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

// envelope exposes the embedded header of a payload to the producer.
func (e Envelope) envelope() Envelope { return e }

type enveloped interface {
	envelope() Envelope
}

// recordHeaders lets consumers route on type and dedupe on id without
// decoding the value.
func recordHeaders(value any) []sarama.RecordHeader {
	ev, ok := value.(enveloped)
	if !ok {
		return nil
	}
	env := ev.envelope()
	if env.EventID == "" {
		return nil
	}
	return []sarama.RecordHeader{
		{Key: []byte(HeaderEventID), Value: []byte(env.EventID)},
		{Key: []byte(HeaderEventType), Value: []byte(env.EventType)},
		{Key: []byte(HeaderEventVersion), Value: []byte(strconv.Itoa(env.EventVersion))},
	}
}
