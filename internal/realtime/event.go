package realtime

import (
	"encoding/json"
	"fmt"
)

// EventType is the discriminator of server events. Only the types the bridge
// acts on are listed; anything else parses with Known() == false.
type EventType string

const (
	EventSessionCreated               EventType = "session.created"
	EventSessionUpdated               EventType = "session.updated"
	EventSpeechStarted                EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped                EventType = "input_audio_buffer.speech_stopped"
	EventInputTranscriptionCompleted  EventType = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated              EventType = "response.created"
	EventResponseDone                 EventType = "response.done"
	EventResponseOutputItemAdded      EventType = "response.output_item.added"
	EventResponseAudioDelta           EventType = "response.audio.delta"
	EventResponseAudioDone            EventType = "response.audio.done"
	EventResponseAudioTranscriptDelta EventType = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone  EventType = "response.audio_transcript.done"
	EventFunctionCallArgumentsDone    EventType = "response.function_call_arguments.done"
	EventError                        EventType = "error"
)

var knownEvents = map[EventType]struct{}{
	EventSessionCreated:               {},
	EventSessionUpdated:               {},
	EventSpeechStarted:                {},
	EventSpeechStopped:                {},
	EventInputTranscriptionCompleted:  {},
	EventResponseCreated:              {},
	EventResponseDone:                 {},
	EventResponseOutputItemAdded:      {},
	EventResponseAudioDelta:           {},
	EventResponseAudioDone:            {},
	EventResponseAudioTranscriptDelta: {},
	EventResponseAudioTranscriptDone:  {},
	EventFunctionCallArgumentsDone:    {},
	EventError:                        {},
}

func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// ServerEvent is the union of server event payloads the bridge reads.
type ServerEvent struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`

	OutputIndex  int `json:"output_index,omitempty"`
	ContentIndex int `json:"content_index,omitempty"`
	AudioStartMS int `json:"audio_start_ms,omitempty"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Session  *SessionResource  `json:"session,omitempty"`
	Response *ResponseResource `json:"response,omitempty"`
	Item     *ItemResource     `json:"item,omitempty"`
	Error    *ErrorDetail      `json:"error,omitempty"`
}

type SessionResource struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type ResponseResource struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type ItemResource struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	Role string `json:"role,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return "realtime: unknown error"
	}
	return fmt.Sprintf("realtime: %s (%s): %s", e.Type, e.Code, e.Message)
}

// ParseServerEvent decodes one server message.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("invalid realtime event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("invalid realtime event: missing type")
	}
	return ev, nil
}
