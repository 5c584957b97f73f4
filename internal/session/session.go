package session

import (
	"sync"
	"time"
)

// MediaSink is the outbound half of the telephony media socket.
type MediaSink interface {
	WriteJSON(v any) error
}

// Participant is one entry of a telephony participants roster.
type Participant struct {
	RawID       string `json:"rawId"`
	DisplayName string `json:"displayName"`
}

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Options seeds a Session with whatever is known when the media socket opens.
type Options struct {
	CallConnectionID string
	ServerCallID     string
	MeetingID        string
	MeetingMode      bool
	Now              func() time.Time
}

// Session is the mutable runtime state of one call or meeting. The gateway
// pump, the bridge relay and the call event router touch it from different
// goroutines, so every accessor locks.
type Session struct {
	id        string
	startTime time.Time
	now       func() time.Time

	mu               sync.RWMutex
	callConnectionID string
	serverCallID     string
	meetingID        string
	participants     []string
	speakerMap       map[string]string
	meetingMode      bool
	voiceActive      bool
	media            MediaSink
	transcript       []TranscriptEntry
}

func New(id string, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Session{
		id:               id,
		startTime:        now(),
		now:              now,
		callConnectionID: opts.CallConnectionID,
		serverCallID:     opts.ServerCallID,
		meetingID:        opts.MeetingID,
		speakerMap:       make(map[string]string),
		meetingMode:      opts.MeetingMode,
		// Direct calls listen from the first frame; meetings wait for the wake word.
		voiceActive: !opts.MeetingMode,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) StartTime() time.Time { return s.startTime }

func (s *Session) CallConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callConnectionID
}

func (s *Session) SetCallConnectionID(id string) {
	s.mu.Lock()
	s.callConnectionID = id
	s.mu.Unlock()
}

func (s *Session) ServerCallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverCallID
}

func (s *Session) SetServerCallID(id string) {
	s.mu.Lock()
	s.serverCallID = id
	s.mu.Unlock()
}

func (s *Session) MeetingID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meetingID
}

func (s *Session) SetMeetingID(id string) {
	s.mu.Lock()
	s.meetingID = id
	s.mu.Unlock()
}

func (s *Session) MeetingMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meetingMode
}

// SetMeetingMode switches between passive meeting listening and a direct
// call. Entering meeting mode drops attention until the next wake word.
func (s *Session) SetMeetingMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meetingMode == on {
		return
	}
	s.meetingMode = on
	s.voiceActive = !on
}

func (s *Session) VoiceActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voiceActive
}

// SetVoiceActive stores the flag and reports whether it changed.
func (s *Session) SetVoiceActive(active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voiceActive == active {
		return false
	}
	s.voiceActive = active
	return true
}

// ShouldForwardAudio is the caller-audio gate: meetings forward only while
// attention is on.
func (s *Session) ShouldForwardAudio() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.meetingMode || s.voiceActive
}

func (s *Session) AttachMedia(sink MediaSink) {
	s.mu.Lock()
	s.media = sink
	s.mu.Unlock()
}

func (s *Session) Media() MediaSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// SpeakerName resolves a participant raw id to a display name.
func (s *Session) SpeakerName(rawID string) string {
	if rawID == "" {
		return "Unknown"
	}
	s.mu.RLock()
	name, ok := s.speakerMap[rawID]
	s.mu.RUnlock()
	if ok {
		return name
	}
	tail := rawID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "Speaker-" + tail
}

// MergeParticipants folds a roster update into the speaker map and the
// participant list and returns the display names seen for the first time.
func (s *Session) MergeParticipants(roster []Participant) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []string
	for _, p := range roster {
		if p.RawID != "" && p.DisplayName != "" {
			s.speakerMap[p.RawID] = p.DisplayName
		}
		if p.DisplayName == "" || containsString(s.participants, p.DisplayName) {
			continue
		}
		s.participants = append(s.participants, p.DisplayName)
		added = append(added, p.DisplayName)
	}
	return added
}

func (s *Session) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.participants...)
}

func (s *Session) SpeakerMap() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.speakerMap))
	for k, v := range s.speakerMap {
		out[k] = v
	}
	return out
}

// AddTranscriptEntry appends an utterance and returns the new transcript length.
func (s *Session) AddTranscriptEntry(speaker, text string) int {
	entry := TranscriptEntry{Speaker: speaker, Text: text, Timestamp: s.now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, entry)
	return len(s.transcript)
}

func (s *Session) TranscriptLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcript)
}

// TranscriptSince copies the entries from index from onward.
func (s *Session) TranscriptSince(from int) []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(s.transcript) {
		return nil
	}
	return append([]TranscriptEntry(nil), s.transcript[from:]...)
}

// Snapshot is the serializable view of a Session, without socket handles.
type Snapshot struct {
	SessionID        string            `json:"session_id"`
	CallConnectionID string            `json:"call_connection_id"`
	ServerCallID     string            `json:"server_call_id"`
	MeetingID        string            `json:"meeting_id"`
	Participants     []string          `json:"participants"`
	SpeakerMap       map[string]string `json:"speaker_map"`
	IsMeetingMode    bool              `json:"is_meeting_mode"`
	IsVoiceActive    bool              `json:"is_voice_active"`
	TranscriptCount  int               `json:"transcript_count"`
	StartTime        time.Time         `json:"start_time"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	speakers := make(map[string]string, len(s.speakerMap))
	for k, v := range s.speakerMap {
		speakers[k] = v
	}
	participants := append([]string{}, s.participants...)
	return Snapshot{
		SessionID:        s.id,
		CallConnectionID: s.callConnectionID,
		ServerCallID:     s.serverCallID,
		MeetingID:        s.meetingID,
		Participants:     participants,
		SpeakerMap:       speakers,
		IsMeetingMode:    s.meetingMode,
		IsVoiceActive:    s.voiceActive,
		TranscriptCount:  len(s.transcript),
		StartTime:        s.startTime,
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
