package audit

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid"
)

// Event types emitted by the gateway.
const (
	TypeUpgradeDenied     = "upgrade.denied"
	TypeSessionStarted    = "session.started"
	TypeSessionClosed     = "session.closed"
	TypeProviderSignature = "provider.signature"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Event is one audit record. Data carries event specific fields such as the
// denial reason or the close code.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	SessionID  string                 `json:"sessionId,omitempty"`
	StreamSID  string                 `json:"streamSid,omitempty"`
	CallSID    string                 `json:"callSid,omitempty"`
	RemoteAddr string                 `json:"remoteAddr,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Auditor receives audit events. Implementations must not block the caller.
type Auditor interface {
	Record(event Event)
}

// NewEvent stamps a new event with an id and the current UTC time.
func NewEvent(eventType string, data map[string]interface{}) Event {
	return Event{
		ID:        newID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func newID() string {
	id, err := gonanoid.Generate(idAlphabet, 21)
	if err != nil {
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id
}

type nopAuditor struct{}

func (nopAuditor) Record(Event) {}

// Nop discards every event.
func Nop() Auditor { return nopAuditor{} }
