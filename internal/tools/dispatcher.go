// Package tools owns the fixed tool set the model may call during a call and
// the dispatcher that turns every call into exactly one result.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/logging"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/policy"
	"github.com/ent0n29/aida-voice/internal/realtime"
	"github.com/ent0n29/aida-voice/internal/session"
)

// MeetingLookup answers questions about past meetings and action items.
type MeetingLookup interface {
	SearchMeetingNotes(ctx context.Context, query string, daysBack int) (json.RawMessage, error)
	ActionStatus(ctx context.Context, query string) (json.RawMessage, error)
}

// Backend runs tools whose logic lives in another service.
type Backend interface {
	InvokeTool(ctx context.Context, name string, req collab.ToolRequest) (json.RawMessage, error)
}

// Deps are the collaborators handlers call into. Either may be nil, in which
// case the affected tools answer with an "unavailable" payload.
type Deps struct {
	Meetings MeetingLookup
	Backend  Backend
}

// Result is what goes back to the model as a function_call_output.
type Result struct {
	Tool   string
	Output string
	OK     bool
}

type handlerFunc func(ctx context.Context, args json.RawMessage, call session.Snapshot) (any, error)

type tool struct {
	def    realtime.ToolDefinition
	handle handlerFunc
}

type Dispatcher struct {
	tools   []tool
	byName  map[Name]tool
	logger  *zap.Logger
	metrics *observability.Metrics
}

var errMissingArgument = errors.New("missing required argument")

func NewDispatcher(deps Deps, logger *zap.Logger, metrics *observability.Metrics) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		byName:  make(map[Name]tool),
		logger:  logger.With(zap.String("component", "tools")),
		metrics: metrics,
	}
	h := handlers{deps: deps}

	type spec struct {
		name        Name
		description string
		schema      func() (*jsonschema.Schema, error)
		handle      handlerFunc
	}
	specs := []spec{
		{
			GetCallContext,
			"Get information about the current call: who is on the call, how long it has been going, meeting subject, and participants.",
			func() (*jsonschema.Schema, error) { return schemaFor[noArgs](nil) },
			h.callContext,
		},
		{
			SearchKnowledge,
			"Search the organisation's knowledge base (documents, wikis, policies) for relevant information. Use this when the caller asks a factual question about the organisation.",
			func() (*jsonschema.Schema, error) { return schemaFor[queryArgs](nil) },
			h.remote(SearchKnowledge, requireQuery),
		},
		{
			GetMeetingNotes,
			"Retrieve past meeting notes. Can search by meeting subject, date range, or participants.",
			func() (*jsonschema.Schema, error) {
				return schemaFor[meetingNotesArgs](map[string]any{"days_back": 30})
			},
			h.meetingNotes,
		},
		{
			GetCalendar,
			"Get the user's calendar events for a given time range. Defaults to today if no range is specified.",
			func() (*jsonschema.Schema, error) { return schemaFor[calendarArgs](nil) },
			h.calendar,
		},
		{
			SendEmailDraft,
			"Draft and send an email on behalf of the user. The email is sent as a draft that the user can review and send.",
			func() (*jsonschema.Schema, error) { return schemaFor[emailArgs](nil) },
			h.remote(SendEmailDraft, requireEmail),
		},
		{
			ScheduleMeeting,
			"Schedule a new meeting on the user's calendar. Creates the event and sends invitations to attendees.",
			func() (*jsonschema.Schema, error) {
				return schemaFor[scheduleArgs](map[string]any{"duration_minutes": 30})
			},
			h.scheduleMeeting,
		},
		{
			WebSearch,
			"Search the web for up-to-date information. Use this when the caller asks about current events, public information, or anything not in the knowledge base.",
			func() (*jsonschema.Schema, error) { return schemaFor[webSearchArgs](nil) },
			h.remote(WebSearch, requireQuery),
		},
		{
			GetActionStatus,
			"Check the status of a previously created action item or task. Can look up by description or assignee.",
			func() (*jsonschema.Schema, error) { return schemaFor[actionStatusArgs](nil) },
			h.actionStatus,
		},
	}

	for _, s := range specs {
		params, err := s.schema()
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", s.name, err)
		}
		t := tool{def: definition(s.name, s.description, params), handle: s.handle}
		d.tools = append(d.tools, t)
		d.byName[s.name] = t
	}
	return d, nil
}

// Definitions lists the tool descriptors in registration order.
func (d *Dispatcher) Definitions() []realtime.ToolDefinition {
	out := make([]realtime.ToolDefinition, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.def)
	}
	return out
}

// Names lists the registered tool names in registration order.
func (d *Dispatcher) Names() []Name {
	out := make([]Name, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, Name(t.def.Name))
	}
	return out
}

// Execute runs one tool call. It never fails: unknown tools, malformed
// arguments and handler errors all come back as an error payload.
func (d *Dispatcher) Execute(ctx context.Context, name, rawArgs string, call session.Snapshot) (res Result) {
	res.Tool = name
	t, ok := d.byName[Name(name)]
	if !ok {
		d.logger.Warn("unknown tool", zap.String("tool", name), zap.String("session_id", call.SessionID))
		d.observe("unknown", "unknown")
		res.Output = encodeOutput(map[string]string{"error": "Unknown tool: " + name})
		return res
	}

	args := normalizeArgs(rawArgs)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", r))
			d.observe(name, "panic")
			res = Result{Tool: name, Output: failureOutput(name)}
		}
	}()

	d.logger.Info("executing tool", zap.String("tool", name), zap.String("session_id", call.SessionID))
	d.logger.Debug("tool arguments", zap.String("tool", name), policy.String("args", logging.Truncate(string(args), 500)))
	payload, err := t.handle(ctx, args, call)
	if err != nil {
		if errors.Is(err, errMissingArgument) {
			d.observe(name, "invalid")
			res.Output = encodeOutput(map[string]string{"error": err.Error()})
			return res
		}
		d.logger.Error("tool failed", zap.String("tool", name), zap.Error(err))
		d.observe(name, "error")
		res.Output = failureOutput(name)
		return res
	}
	d.observe(name, "ok")
	res.OK = true
	res.Output = encodeOutput(payload)
	return res
}

func (d *Dispatcher) observe(tool, outcome string) {
	if d.metrics != nil {
		d.metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

// normalizeArgs turns anything that is not a JSON object into "{}".
func normalizeArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	var probe map[string]json.RawMessage
	if trimmed == "" || json.Unmarshal([]byte(trimmed), &probe) != nil || probe == nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// decodeArgs decodes into T; a payload whose fields have the wrong shape is
// treated as empty.
func decodeArgs[T any](raw json.RawMessage) T {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero
	}
	return v
}

func failureOutput(name string) string {
	return encodeOutput(map[string]string{"error": fmt.Sprintf("Tool '%s' execution failed", name)})
}

func encodeOutput(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case json.RawMessage:
		if len(v) == 0 {
			return "{}"
		}
		return string(v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return `{"error":"unencodable tool result"}`
	}
	return string(raw)
}
