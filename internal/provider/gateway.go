package provider

import (
	"context"
	"time"
)

// Gateway is the boundary adapter to the external telephony service.
//
// Rules:
// - No provider HTTP calls outside this package.
// - Request/response types stay provider-agnostic; raw payloads travel in
//   StatusEvent.Raw for debugging only.
// - Status callbacks are delivered out-of-band via the webhook handler, not
//   polled.
type Gateway interface {
	Name() string

	// StartCall asks the provider to place an outbound call presenting From
	// as caller-ID. The provider-side call identifier is assigned here.
	StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error)

	// TerminateCall hangs up an in-flight call.
	TerminateCall(ctx context.Context, providerCallID string) error
}

type StartCallRequest struct {
	// From is the DID presented as caller-ID (E.164 where possible).
	From string `json:"from"`
	To   string `json:"to"`

	// StatusCallbackURL receives asynchronous status events for this call.
	StatusCallbackURL string `json:"status_callback_url"`

	// RingTimeoutSeconds bounds how long the provider lets the call ring.
	RingTimeoutSeconds int `json:"ring_timeout_seconds,omitempty"`
}

type StartCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
}

// CallStatus is the normalized provider-reported call state.
type CallStatus string

const (
	StatusQueued    CallStatus = "queued"
	StatusInitiated CallStatus = "initiated"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusCompleted CallStatus = "completed"
	StatusBusy      CallStatus = "busy"
	StatusNoAnswer  CallStatus = "no_answer"
	StatusFailed    CallStatus = "failed"
	StatusCanceled  CallStatus = "canceled"
)

// statusRank orders statuses so duplicate or out-of-order webhook
// redeliveries can be ignored once a later state has been reached.
// Terminal statuses share the top rank.
var statusRank = map[CallStatus]int{
	StatusQueued:    0,
	StatusInitiated: 1,
	StatusRinging:   2,
	StatusAnswered:  3,
	StatusCompleted: 4,
	StatusBusy:      4,
	StatusNoAnswer:  4,
	StatusFailed:    4,
	StatusCanceled:  4,
}

func (s CallStatus) Rank() int { return statusRank[s] }

func (s CallStatus) Terminal() bool { return statusRank[s] == 4 }

// Success reports whether a terminal status counts as a connected call.
func (s CallStatus) Success() bool { return s == StatusCompleted }

// StatusEvent is one asynchronous status callback, normalized.
type StatusEvent struct {
	ProviderCallID string     `json:"provider_call_id"`
	Status         CallStatus `json:"status"`

	// DurationSeconds is authoritative provider-reported talk time; it is
	// only meaningful on terminal events.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// Disposition carries the provider's raw terminal disposition string.
	Disposition string `json:"disposition,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`

	// Raw is the original payload, kept for audit/debugging.
	Raw string `json:"raw,omitempty"`
}

// EventSink consumes status events. Implemented by the dispatch engine.
type EventSink interface {
	HandleProviderEvent(ctx context.Context, ev StatusEvent) error
}
