// Package bindings carries what the call event router learned when a call was
// answered or placed over to the media socket that telephony opens afterwards.
package bindings

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("call binding not found")

// Mode says whether the bot joined a meeting or took a direct call.
type Mode string

const (
	ModeDirect  Mode = "direct-call"
	ModeMeeting Mode = "meeting"
)

// Binding ties a media transport token to call identity.
type Binding struct {
	Token            string `json:"token"`
	CallConnectionID string `json:"call_connection_id,omitempty"`
	MeetingID        string `json:"meeting_id,omitempty"`
	Mode             Mode   `json:"mode"`
	CallerName       string `json:"caller_name,omitempty"`
	CallerRawID      string `json:"caller_raw_id,omitempty"`
}

func (b Binding) MeetingMode() bool { return b.Mode == ModeMeeting }

// Store keeps bindings for a bounded time. Lookups for expired or unknown
// keys return ErrNotFound.
type Store interface {
	Put(ctx context.Context, b Binding) error
	Get(ctx context.Context, token string) (Binding, error)
	ByCallConnection(ctx context.Context, callConnectionID string) (Binding, error)
	Close() error
}
