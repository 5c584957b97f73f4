package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ent0n29/aida-voice/internal/realtime"
)

// Name identifies a tool exposed to the model.
type Name string

const (
	GetCallContext  Name = "get_call_context"
	SearchKnowledge Name = "search_knowledge"
	GetMeetingNotes Name = "get_meeting_notes"
	GetCalendar     Name = "get_calendar"
	SendEmailDraft  Name = "send_email_draft"
	ScheduleMeeting Name = "schedule_meeting"
	WebSearch       Name = "web_search"
	GetActionStatus Name = "get_action_status"
)

type noArgs struct{}

type queryArgs struct {
	Query string `json:"query" jsonschema:"The search query. Be specific and include key terms."`
}

type meetingNotesArgs struct {
	Query    string `json:"query" jsonschema:"Search query: meeting subject, keywords, or participant name."`
	DaysBack int    `json:"days_back,omitempty" jsonschema:"Number of days to look back (default 30)."`
}

type calendarArgs struct {
	TimeRange string `json:"time_range,omitempty" jsonschema:"Natural language time range, e.g. 'today', 'tomorrow', 'next week', 'this afternoon'."`
}

type emailArgs struct {
	To      string `json:"to" jsonschema:"Recipient email address or name (will be resolved)."`
	Subject string `json:"subject" jsonschema:"Email subject line."`
	Body    string `json:"body" jsonschema:"Email body text."`
}

type scheduleArgs struct {
	Subject         string   `json:"subject" jsonschema:"Meeting subject/title."`
	Attendees       []string `json:"attendees" jsonschema:"List of attendee email addresses or names."`
	Time            string   `json:"time" jsonschema:"Natural language time, e.g. 'tomorrow at 2pm', 'next Monday at 10am'."`
	DurationMinutes int      `json:"duration_minutes,omitempty" jsonschema:"Meeting duration in minutes (default 30)."`
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"The web search query."`
}

type actionStatusArgs struct {
	Query string `json:"query" jsonschema:"Action item description, keyword, or assignee name."`
}

// schemaFor derives the parameter schema of T. Properties listed in defaults
// get a JSON default value.
func schemaFor[T any](defaults map[string]any) (*jsonschema.Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, err
	}
	for prop, value := range defaults {
		p, ok := s.Properties[prop]
		if !ok {
			return nil, fmt.Errorf("default for unknown property %q", prop)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		p.Default = raw
	}
	collapseNullable(s)
	return s, nil
}

// collapseNullable rewrites ["null", "array"] style unions produced for Go
// slices into the plain type the model expects.
func collapseNullable(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	if s.Type == "" && len(s.Types) > 0 {
		for _, t := range s.Types {
			if t != "null" {
				s.Type = t
				break
			}
		}
		s.Types = nil
	}
	collapseNullable(s.Items)
	for _, p := range s.Properties {
		collapseNullable(p)
	}
}

func definition(name Name, description string, params *jsonschema.Schema) realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Type:        "function",
		Name:        string(name),
		Description: description,
		Parameters:  params,
	}
}
