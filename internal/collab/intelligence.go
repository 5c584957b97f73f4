package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/ent0n29/aida-voice/internal/observability"
)

// IntelligenceService triggers summarization and hosts tool backends.
type IntelligenceService struct {
	http httpClient
}

func NewIntelligenceService(baseURL string, timeout time.Duration, metrics *observability.Metrics) *IntelligenceService {
	return &IntelligenceService{http: newHTTPClient("intelligence", baseURL, timeout, metrics)}
}

// TriggerPostProcessing asks for summary, notes and action items. Only 200
// and 202 count as accepted.
func (s *IntelligenceService) TriggerPostProcessing(ctx context.Context, meetingID string) error {
	body := map[string]string{"meeting_id": meetingID}
	return s.http.do(ctx, "post_process", http.MethodPost,
		"/api/meetings/"+url.PathEscape(meetingID)+"/process", nil, body, nil,
		http.StatusOK, http.StatusAccepted)
}

// ToolRequest is the body sent to a tool backend.
type ToolRequest struct {
	Arguments map[string]any `json:"arguments"`
	Context   any            `json:"context,omitempty"`
}

func (s *IntelligenceService) InvokeTool(ctx context.Context, name string, req ToolRequest) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.http.do(ctx, "tool_"+name, http.MethodPost, "/api/tools/"+url.PathEscape(name), nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
