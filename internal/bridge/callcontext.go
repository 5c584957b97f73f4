package bridge

import (
	"strings"
	"sync"

	"github.com/ent0n29/aida-voice/internal/audio"
)

// PCM16 mono at the stream rate.
const bytesPerMillisecond = audio.StreamSampleRate * 2 / 1000

// toolCall is a function call the model is waiting on.
type toolCall struct {
	Name       string
	ResponseID string
}

// CallContext is the state the inbound audio path and the model event relay
// share. They run on different goroutines, so every method locks.
type CallContext struct {
	mu sync.Mutex

	isSpeaking        bool
	currentResponseID string
	currentItemID     string
	accumulatedText   strings.Builder
	pendingToolCalls  map[string]toolCall
	lastSpeakerRawID  string

	// itemAudioBytes is how much audio of currentItemID reached the call.
	itemAudioBytes int
	// interruptedResponseID is the response cut off by barge-in; its
	// remaining audio is discarded.
	interruptedResponseID string
}

func newCallContext() *CallContext {
	return &CallContext{pendingToolCalls: make(map[string]toolCall)}
}

func (c *CallContext) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSpeaking
}

func (c *CallContext) CurrentResponseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentResponseID
}

func (c *CallContext) CurrentItemID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentItemID
}

func (c *CallContext) SetLastSpeaker(rawID string) {
	if rawID == "" {
		return
	}
	c.mu.Lock()
	c.lastSpeakerRawID = rawID
	c.mu.Unlock()
}

func (c *CallContext) LastSpeaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSpeakerRawID
}

// ResponseStarted resets the per-response fields.
func (c *CallContext) ResponseStarted(responseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentResponseID = responseID
	c.currentItemID = ""
	c.itemAudioBytes = 0
	c.interruptedResponseID = ""
	c.accumulatedText.Reset()
}

// ResponseFinished clears the in-flight response. A done event for some
// other response is ignored; an empty id matches whatever is current.
func (c *CallContext) ResponseFinished(responseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if responseID != "" && c.currentResponseID != "" && responseID != c.currentResponseID {
		return false
	}
	c.currentResponseID = ""
	c.currentItemID = ""
	c.itemAudioBytes = 0
	c.isSpeaking = false
	return true
}

func (c *CallContext) ItemAdded(itemID string) {
	if itemID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if itemID != c.currentItemID {
		c.currentItemID = itemID
		c.itemAudioBytes = 0
	}
}

// AudioDelta records size bytes of model audio for the given response and
// item. Audio with no resolvable response id is still played but does not
// mark the call as speaking. It returns false when the audio belongs to an interrupted response
// and must not be played.
func (c *CallContext) AudioDelta(responseID, itemID string, size int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if responseID == "" {
		responseID = c.currentResponseID
	}
	if c.interruptedResponseID != "" && responseID == c.interruptedResponseID {
		return false
	}
	if c.currentResponseID == "" {
		c.currentResponseID = responseID
	}
	if itemID != "" && itemID != c.currentItemID {
		c.currentItemID = itemID
		c.itemAudioBytes = 0
	}
	c.itemAudioBytes += size
	// Speaking needs a response id to truncate against on barge-in.
	c.isSpeaking = c.currentResponseID != ""
	return true
}

func (c *CallContext) AudioDone() {
	c.mu.Lock()
	c.isSpeaking = false
	c.mu.Unlock()
}

func (c *CallContext) AppendText(delta string) {
	c.mu.Lock()
	c.accumulatedText.WriteString(delta)
	c.mu.Unlock()
}

// TakeText returns the accumulated response text and clears it.
func (c *CallContext) TakeText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.accumulatedText.String()
	c.accumulatedText.Reset()
	return s
}

// interruption is what barge-in needs to cancel and truncate.
type interruption struct {
	ResponseID string
	ItemID     string
	AudioEndMS int
}

// BeginInterrupt claims the current response for barge-in. Only the first
// caller for a given response gets ok=true.
func (c *CallContext) BeginInterrupt() (interruption, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isSpeaking || c.currentResponseID == "" || c.interruptedResponseID == c.currentResponseID {
		return interruption{}, false
	}
	in := interruption{
		ResponseID: c.currentResponseID,
		ItemID:     c.currentItemID,
		AudioEndMS: c.itemAudioBytes / bytesPerMillisecond,
	}
	c.interruptedResponseID = c.currentResponseID
	c.isSpeaking = false
	return in, true
}

func (c *CallContext) AddToolCall(callID string, call toolCall) {
	c.mu.Lock()
	c.pendingToolCalls[callID] = call
	c.mu.Unlock()
}

// FinishToolCall removes callID and reports how many calls are still pending.
func (c *CallContext) FinishToolCall(callID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingToolCalls, callID)
	return len(c.pendingToolCalls)
}

func (c *CallContext) PendingToolCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingToolCalls)
}
