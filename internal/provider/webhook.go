package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callburst/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusCallbackForm captures the subset of voice status-callback fields we
// care about. LaML-style providers send application/x-www-form-urlencoded.
type StatusCallbackForm struct {
	CallSid         string
	AccountSid      string
	From            string
	To              string
	CallStatus      string
	CallDuration    string
	SipResponseCode string
	Timestamp       string
}

// ParseStatusCallback converts a provider webhook into a normalized
// StatusEvent. No business logic here; the dispatch engine decides what the
// event means.
func ParseStatusCallback(r *http.Request, now time.Time) (StatusEvent, error) {
	if err := r.ParseForm(); err != nil {
		return StatusEvent{}, err
	}
	f := StatusCallbackForm{
		CallSid:         r.PostFormValue("CallSid"),
		AccountSid:      r.PostFormValue("AccountSid"),
		From:            strings.TrimSpace(r.PostFormValue("From")),
		To:              strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:      r.PostFormValue("CallStatus"),
		CallDuration:    r.PostFormValue("CallDuration"),
		SipResponseCode: r.PostFormValue("SipResponseCode"),
		Timestamp:       r.PostFormValue("Timestamp"),
	}
	if f.CallSid == "" {
		return StatusEvent{}, fmt.Errorf("provider: CallSid missing")
	}

	status, ok := normalizeStatus(f.CallStatus)
	if !ok {
		return StatusEvent{}, fmt.Errorf("provider: unknown CallStatus %q", f.CallStatus)
	}

	occurredAt := now
	if f.Timestamp != "" {
		if t, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
			occurredAt = t.UTC()
		}
	}

	dur := 0
	if f.CallDuration != "" {
		if n, err := strconv.Atoi(f.CallDuration); err == nil && n >= 0 {
			dur = n
		}
	}

	return StatusEvent{
		ProviderCallID:  f.CallSid,
		Status:          status,
		DurationSeconds: dur,
		Disposition:     f.CallStatus,
		OccurredAt:      occurredAt,
		Raw:             r.PostForm.Encode(),
	}, nil
}

func normalizeStatus(s string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StatusQueued, true
	case "initiated":
		return StatusInitiated, true
	case "ringing":
		return StatusRinging, true
	case "answered", "in-progress":
		return StatusAnswered, true
	case "completed":
		return StatusCompleted, true
	case "busy":
		return StatusBusy, true
	case "no-answer", "no_answer":
		return StatusNoAnswer, true
	case "failed":
		return StatusFailed, true
	case "canceled", "cancelled":
		return StatusCanceled, true
	default:
		return "", false
	}
}

// StatusWebhookHandler feeds provider status callbacks into the dispatch
// engine.
//
// Delivery contract: providers redeliver on non-2xx. We return 200 for
// anything we parsed, including duplicates (the engine is idempotent), and
// 404 for call IDs we do not know so a callback that races call placement
// gets retried rather than lost.
type StatusWebhookHandler struct {
	Sink EventSink
	Now  func() time.Time
}

func (h StatusWebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	ev, err := ParseStatusCallback(c.Request, now().UTC())
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if err := h.Sink.HandleProviderEvent(c.Request.Context(), ev); err != nil {
		log.Warn("status callback not routable", "provider_call_id", ev.ProviderCallID, "status", ev.Status, "err", err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
