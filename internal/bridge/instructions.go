package bridge

import "strings"

// AssistantName is the speaker label for model turns in the transcript.
const AssistantName = "AIDA"

const (
	basePrompt = "You are AIDA, an AI digital assistant built by the AIDA team. " +
		"You are participating in a voice call. Be concise, helpful, and " +
		"natural in your responses. Speak conversationally, avoid bullet " +
		"points and markdown formatting since this is a voice conversation.\n\n"

	meetingPrompt = "You are in a Teams meeting. Listen to the conversation and " +
		"respond when addressed directly (your name is AIDA). " +
		"You can help with meeting notes, action items, scheduling, " +
		"and answering questions.\n"

	directPrompt = "You are on a direct call. The caller is speaking to you " +
		"directly. Help them with whatever they need: scheduling, " +
		"email drafts, knowledge search, meeting notes, and more.\n"
)

// BuildInstructions renders the system prompt for a call.
func BuildInstructions(meetingMode bool, participants []string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if meetingMode {
		b.WriteString(meetingPrompt)
	} else {
		b.WriteString(directPrompt)
	}
	if len(participants) > 0 {
		b.WriteString("\nParticipants on this call: ")
		b.WriteString(strings.Join(participants, ", "))
		b.WriteString(".\n")
	}
	return b.String()
}
