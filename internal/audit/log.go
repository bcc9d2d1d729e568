// Package audit records privileged actions: assignment overrides and
// actions an admin takes on someone else's call.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/obs"
)

const (
	EventAssignmentOverride = "ticket.assignment_override"
	EventCallEndedByAdmin   = "call.ended_by_admin"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier used to correlate records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID returns the identifier set by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// LogEvent writes one audit line with the acting principal and request id
// taken from ctx. transport names where the action came from.
func LogEvent(ctx context.Context, event, transport string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	entry := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"type":      "audit",
		"event":     event,
		"transport": transport,
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["actor_id"] = p.ID
		entry["actor_role"] = p.Role
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	entry["fields"] = copied

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
