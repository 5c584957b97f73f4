package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/session"
)

const (
	defaultDaysBack        = 30
	defaultTimeRange       = "today"
	defaultDurationMinutes = 30
)

type handlers struct {
	deps Deps
}

func unavailable(service string) map[string]any {
	return map[string]any{
		"status":  "unavailable",
		"message": service + " is not configured",
	}
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", errMissingArgument, field)
}

func (h handlers) callContext(_ context.Context, _ json.RawMessage, call session.Snapshot) (any, error) {
	participants := call.Participants
	if participants == nil {
		participants = []string{}
	}
	speakers := call.SpeakerMap
	if speakers == nil {
		speakers = map[string]string{}
	}
	return map[string]any{
		"session_id":         call.SessionID,
		"call_connection_id": call.CallConnectionID,
		"meeting_id":         call.MeetingID,
		"is_meeting_mode":    call.IsMeetingMode,
		"participants":       participants,
		"speaker_map":        speakers,
		"start_time":         call.StartTime,
		"transcript_count":   call.TranscriptCount,
	}, nil
}

func (h handlers) meetingNotes(ctx context.Context, raw json.RawMessage, _ session.Snapshot) (any, error) {
	args := decodeArgs[meetingNotesArgs](raw)
	if args.DaysBack <= 0 {
		args.DaysBack = defaultDaysBack
	}
	if h.deps.Meetings == nil {
		return unavailable("meeting notes"), nil
	}
	return h.deps.Meetings.SearchMeetingNotes(ctx, args.Query, args.DaysBack)
}

func (h handlers) actionStatus(ctx context.Context, raw json.RawMessage, _ session.Snapshot) (any, error) {
	args := decodeArgs[actionStatusArgs](raw)
	if h.deps.Meetings == nil {
		return unavailable("action tracking"), nil
	}
	return h.deps.Meetings.ActionStatus(ctx, args.Query)
}

func (h handlers) calendar(ctx context.Context, raw json.RawMessage, call session.Snapshot) (any, error) {
	args := decodeArgs[calendarArgs](raw)
	if strings.TrimSpace(args.TimeRange) == "" {
		args.TimeRange = defaultTimeRange
	}
	return h.invoke(ctx, GetCalendar, map[string]any{"time_range": args.TimeRange}, call)
}

func (h handlers) scheduleMeeting(ctx context.Context, raw json.RawMessage, call session.Snapshot) (any, error) {
	args := decodeArgs[scheduleArgs](raw)
	switch {
	case strings.TrimSpace(args.Subject) == "":
		return nil, missing("subject")
	case len(args.Attendees) == 0:
		return nil, missing("attendees")
	case strings.TrimSpace(args.Time) == "":
		return nil, missing("time")
	}
	if args.DurationMinutes <= 0 {
		args.DurationMinutes = defaultDurationMinutes
	}
	return h.invoke(ctx, ScheduleMeeting, map[string]any{
		"subject":          args.Subject,
		"attendees":        args.Attendees,
		"time":             args.Time,
		"duration_minutes": args.DurationMinutes,
	}, call)
}

// remote forwards the decoded arguments unchanged once validate accepts them.
func (h handlers) remote(name Name, validate func(map[string]any) error) handlerFunc {
	return func(ctx context.Context, raw json.RawMessage, call session.Snapshot) (any, error) {
		args := decodeArgs[map[string]any](raw)
		if args == nil {
			args = map[string]any{}
		}
		if err := validate(args); err != nil {
			return nil, err
		}
		return h.invoke(ctx, name, args, call)
	}
}

func (h handlers) invoke(ctx context.Context, name Name, args map[string]any, call session.Snapshot) (any, error) {
	if h.deps.Backend == nil {
		return unavailable(string(name)), nil
	}
	return h.deps.Backend.InvokeTool(ctx, string(name), collab.ToolRequest{
		Arguments: args,
		Context: map[string]any{
			"session_id":         call.SessionID,
			"call_connection_id": call.CallConnectionID,
			"meeting_id":         call.MeetingID,
		},
	})
}

func requireQuery(args map[string]any) error {
	return requireStrings(args, "query")
}

func requireEmail(args map[string]any) error {
	return requireStrings(args, "to", "subject", "body")
}

func requireStrings(args map[string]any, keys ...string) error {
	for _, k := range keys {
		s, _ := args[k].(string)
		if strings.TrimSpace(s) == "" {
			return missing(k)
		}
	}
	return nil
}
