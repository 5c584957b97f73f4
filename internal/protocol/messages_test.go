package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameAudioData(t *testing.T) {
	raw := []byte(`{"kind":"AudioData","audioData":{"data":"AQID","timestamp":"2026-03-01T10:00:00Z","participantRawID":"8:acs:alice","silent":false}}`)
	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Audio)

	assert.Equal(t, KindAudioData, frame.Kind)
	assert.Equal(t, "8:acs:alice", frame.Audio.ParticipantRawID)

	pcm, err := frame.Audio.PCM()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, pcm)
}

func TestParseFrameAcceptsLowerCaseRawIDSpelling(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"kind":"AudioData","audioData":{"data":"AQ==","participantRawId":"8:acs:bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, "8:acs:bob", frame.Audio.ParticipantRawID)
}

func TestParseFrameMetadataAndStop(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"kind":"AudioMetadata","audioMetadata":{"encoding":"PCM","sampleRate":24000,"channels":1}}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Metadata)
	assert.Equal(t, 24000, frame.Metadata.SampleRate)

	frame, err = ParseFrame([]byte(`{"kind":"StoppedMediaStreaming"}`))
	require.NoError(t, err)
	assert.Equal(t, KindStoppedMediaStreaming, frame.Kind)
}

func TestParseFrameErrors(t *testing.T) {
	_, err := ParseFrame([]byte(`not json`))
	require.Error(t, err)

	frame, err := ParseFrame([]byte(`{"kind":"DtmfData"}`))
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.Equal(t, Kind("DtmfData"), frame.Kind)

	_, err = ParseFrame([]byte(`{"kind":"AudioData","audioData":{}}`))
	assert.ErrorIs(t, err, ErrEmptyAudio)

	_, err = AudioData{Data: "%%%"}.PCM()
	require.Error(t, err)
}

func TestOutboundFrames(t *testing.T) {
	raw, err := json.Marshal(NewOutboundAudio("AQID"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"AudioData","audioData":{"data":"AQID"}}`, string(raw))

	raw, err = json.Marshal(NewStopAudio())
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"StopAudio","stopAudio":{}}`, string(raw))
}
