package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/aida-voice/internal/protocol"
)

func TestMediaURL(t *testing.T) {
	got, err := mediaURL("https://bot.example.com/base/", "meet-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://bot.example.com/base/voice-v2?binding=meet-1", got)

	got, err = mediaURL("http://127.0.0.1:3979", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:3979/voice-v2", got)

	_, err = mediaURL("ftp://example.com", "")
	require.Error(t, err)
}

func TestParseFlagsValidates(t *testing.T) {
	opts, err := parseFlags([]string{"-turns", "2", "-binding", "tok"})
	require.NoError(t, err)
	assert.Equal(t, 2, opts.turns)
	assert.Equal(t, "tok", opts.binding)
	assert.Equal(t, 20, opts.chunkMS)

	_, err = parseFlags([]string{"-turns", "0"})
	require.Error(t, err)
	_, err = parseFlags([]string{"-chunk-ms", "5"})
	require.Error(t, err)
}

func TestStatsCountsServerFrames(t *testing.T) {
	st := &stats{}
	st.markTurn()
	time.Sleep(time.Millisecond)

	audioFrame, err := json.Marshal(protocol.NewOutboundAudio("AAAAAA=="))
	require.NoError(t, err)
	stopFrame, err := json.Marshal(protocol.NewStopAudio())
	require.NoError(t, err)

	st.observe(audioFrame)
	st.observe(audioFrame)
	st.observe(stopFrame)
	st.observe([]byte("garbage"))

	assert.Equal(t, 2, st.audioFrames)
	assert.Equal(t, 6, st.audioBytes)
	assert.Equal(t, 1, st.stopAudio)
	assert.Positive(t, st.firstAudio)
}
