// Package callevents handles the telephony platform's call notifications:
// answering incoming calls, placing outbound ones, and applying lifecycle
// events to the live session they belong to.
package callevents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/aida-voice/internal/session"
)

// Type is a CloudEvents type string.
type Type string

const (
	TypeSubscriptionValidation Type = "Microsoft.EventGrid.SubscriptionValidationEvent"
	TypeIncomingCall           Type = "Microsoft.Communication.IncomingCall"
	TypeCallConnected          Type = "Microsoft.Communication.CallConnected"
	TypeCallDisconnected       Type = "Microsoft.Communication.CallDisconnected"
	TypeParticipantsUpdated    Type = "Microsoft.Communication.ParticipantsUpdated"
	TypeMediaStreamingStarted  Type = "Microsoft.Communication.MediaStreamingStarted"
	TypeMediaStreamingStopped  Type = "Microsoft.Communication.MediaStreamingStopped"
	TypePlayCompleted          Type = "Microsoft.Communication.PlayCompleted"
	TypeRecognizeCompleted     Type = "Microsoft.Communication.RecognizeCompleted"
)

// Label is the metric label for t.
func (t Type) Label() string {
	switch t {
	case TypeSubscriptionValidation:
		return "SubscriptionValidation"
	case TypeIncomingCall, TypeCallConnected, TypeCallDisconnected, TypeParticipantsUpdated,
		TypeMediaStreamingStarted, TypeMediaStreamingStopped, TypePlayCompleted, TypeRecognizeCompleted:
		return strings.TrimPrefix(string(t), "Microsoft.Communication.")
	default:
		return "unknown"
	}
}

var ErrInvalidBatch = errors.New("invalid event batch")

// Event is one CloudEvents envelope. Data is decoded lazily per type.
type Event struct {
	ID   string          `json:"id,omitempty"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CallData is the payload shared by the call lifecycle events.
type CallData struct {
	CallConnectionID string                `json:"callConnectionId"`
	ServerCallID     string                `json:"serverCallId"`
	CorrelationID    string                `json:"correlationId"`
	ValidationCode   string                `json:"validationCode"`
	Participants     []session.Participant `json:"participants"`
}

// Identity is a caller or callee as telephony describes it.
type Identity struct {
	RawID       string `json:"rawId"`
	DisplayName string `json:"displayName"`
}

type CustomContext struct {
	MeetingJoinURL string `json:"meetingJoinUrl"`
}

// IncomingCallData is the IncomingCall payload.
type IncomingCallData struct {
	IncomingCallContext string        `json:"incomingCallContext"`
	From                Identity      `json:"from"`
	To                  Identity      `json:"to"`
	CustomContext       CustomContext `json:"customContext"`
}

// ParseBatch accepts either a JSON array of events or a single event object.
func ParseBatch(body []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrInvalidBatch
	}
	if trimmed[0] == '[' {
		var events []Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
		}
		return events, nil
	}
	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return []Event{ev}, nil
}

// decodeData tolerates missing or malformed payloads; every field is
// optional on the wire.
func decodeData[T any](ev Event) T {
	var out T
	if len(ev.Data) == 0 {
		return out
	}
	_ = json.Unmarshal(ev.Data, &out)
	return out
}

// Outcome is what the webhook answers for a batch.
type Outcome struct {
	Validated      bool
	ValidationCode string
}

// Body is the JSON response for the outcome.
func (o Outcome) Body() map[string]string {
	if o.Validated {
		return map[string]string{"validationResponse": o.ValidationCode}
	}
	return map[string]string{"status": "ok"}
}
