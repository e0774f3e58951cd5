package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Envelope is embedded in every event payload.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID derives a stable UUID from parts, so a retried
// publish of the same change carries the same event id.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) EventTypeName() string { return e.EventType }

func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.EventType) == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEnvelope)
	case e.EventVersion <= 0:
		return fmt.Errorf("%w: event_version must be positive", ErrInvalidEnvelope)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEnvelope)
	}
	return nil
}

// DecodeEvent unmarshals raw into out and validates the embedded envelope of
// the expected type. Any failure is permanent, so it is wrapped for the DLQ.
func DecodeEvent(raw []byte, eventType string, out interface{ Validate() error }) error {
	if len(raw) == 0 {
		return DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return DLQ(fmt.Errorf("decode %s: %w", eventType, err), "decode")
	}
	if err := out.Validate(); err != nil {
		return DLQ(err, "validate")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.EventType != eventType {
		return DLQ(fmt.Errorf("%w: unexpected event_type %q", ErrInvalidEnvelope, env.EventType), "validate")
	}
	return nil
}
