package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionModeFlags(t *testing.T) {
	direct := New("s-direct", Options{})
	assert.False(t, direct.MeetingMode())
	assert.True(t, direct.VoiceActive())
	assert.True(t, direct.ShouldForwardAudio())

	meeting := New("s-meeting", Options{MeetingID: "m-1", MeetingMode: true})
	assert.True(t, meeting.MeetingMode())
	assert.False(t, meeting.VoiceActive())
	assert.False(t, meeting.ShouldForwardAudio())

	assert.True(t, meeting.SetVoiceActive(true))
	assert.False(t, meeting.SetVoiceActive(true))
	assert.True(t, meeting.ShouldForwardAudio())
}

func TestSpeakerNameFallbacks(t *testing.T) {
	s := New("s-1", Options{})
	s.MergeParticipants([]Participant{{RawID: "8:acs:alice-0001", DisplayName: "Alice"}})

	assert.Equal(t, "Alice", s.SpeakerName("8:acs:alice-0001"))
	assert.Equal(t, "Speaker-12345678", s.SpeakerName("8:acs:abcdef-12345678"))
	assert.Equal(t, "Speaker-short", s.SpeakerName("short"))
	assert.Equal(t, "Unknown", s.SpeakerName(""))
}

func TestMergeParticipantsIsIdempotent(t *testing.T) {
	s := New("s-1", Options{})

	added := s.MergeParticipants([]Participant{
		{RawID: "r1", DisplayName: "Alice"},
		{RawID: "r2", DisplayName: "Bob"},
		{RawID: "r3"},
	})
	assert.Equal(t, []string{"Alice", "Bob"}, added)

	added = s.MergeParticipants([]Participant{
		{RawID: "r1", DisplayName: "Alice"},
		{RawID: "r4", DisplayName: "Bob"},
	})
	assert.Empty(t, added)
	assert.Equal(t, []string{"Alice", "Bob"}, s.Participants())
	assert.Equal(t, map[string]string{"r1": "Alice", "r2": "Bob", "r4": "Bob"}, s.SpeakerMap())
}

func TestTranscriptAppendAndSince(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New("s-1", Options{Now: func() time.Time { return fixed }})

	assert.Equal(t, 1, s.AddTranscriptEntry("Alice", "hello"))
	assert.Equal(t, 2, s.AddTranscriptEntry("AIDA", "hi Alice"))
	assert.Equal(t, 3, s.AddTranscriptEntry("Alice", "bye"))

	tail := s.TranscriptSince(1)
	require.Len(t, tail, 2)
	assert.Equal(t, "AIDA", tail[0].Speaker)
	assert.Equal(t, fixed, tail[0].Timestamp)
	assert.Nil(t, s.TranscriptSince(3))
	assert.Len(t, s.TranscriptSince(-1), 3)
}

func TestSnapshotCopiesState(t *testing.T) {
	s := New("s-1", Options{CallConnectionID: "cc-1", MeetingID: "m-1", MeetingMode: true})
	s.MergeParticipants([]Participant{{RawID: "r1", DisplayName: "Alice"}})
	s.AddTranscriptEntry("Alice", "hello")

	snap := s.Snapshot()
	snap.SpeakerMap["r9"] = "Mallory"
	snap.Participants[0] = "Mallory"

	assert.Equal(t, "cc-1", snap.CallConnectionID)
	assert.Equal(t, 1, snap.TranscriptCount)
	assert.Equal(t, "Alice", s.SpeakerName("r1"))
	assert.Equal(t, []string{"Alice"}, s.Participants())
}

type stubBridge struct{ stopped int }

func (b *stubBridge) Stop(context.Context) error {
	b.stopped++
	return nil
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	a := New("s-a", Options{CallConnectionID: "cc-a"})
	b := New("s-b", Options{MeetingID: "m-b", MeetingMode: true})

	require.NoError(t, r.Register(a, &stubBridge{}))
	require.NoError(t, r.Register(b, &stubBridge{}))
	assert.ErrorIs(t, r.Register(a, &stubBridge{}), ErrDuplicate)
	assert.Equal(t, 2, r.Count())

	e, err := r.ByCallConnection("cc-a")
	require.NoError(t, err)
	assert.Same(t, a, e.Session)

	_, err = r.ByCallConnection("cc-b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.BindCallConnection("s-b", "cc-b"))
	e, err = r.ByCallConnection("cc-b")
	require.NoError(t, err)
	assert.Equal(t, "cc-b", e.Session.CallConnectionID())

	e, err = r.ByMeeting("m-b")
	require.NoError(t, err)
	assert.Same(t, b, e.Session)

	assert.ErrorIs(t, r.BindCallConnection("missing", "cc-x"), ErrNotFound)
}

func TestRegistryRemoveDropsCallIndex(t *testing.T) {
	r := NewRegistry()
	s := New("s-a", Options{CallConnectionID: "cc-a"})
	require.NoError(t, r.Register(s, &stubBridge{}))

	_, ok := r.Remove("s-a")
	assert.True(t, ok)
	_, ok = r.Remove("s-a")
	assert.False(t, ok)

	_, err := r.ByCallConnection("cc-a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("s-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("s-a", Options{}), &stubBridge{}))
	require.NoError(t, r.Register(New("s-b", Options{}), &stubBridge{}))

	cleared := r.Clear()
	assert.Len(t, cleared, 2)
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Entries())
}
