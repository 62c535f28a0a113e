package session

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

// Telephony media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

const (
	pingText = "ping"
	pongText = "pong"
)

type streamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Stop           *stopMessage  `json:"stop,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	DTMF           *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type markMessage struct {
	Name string `json:"name"`
}

type dtmfMessage struct {
	Digit string `json:"digit"`
}

// outboundMedia is the only message the gateway sends to the telephony side.
type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     outboundBody `json:"media"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

func parseMessage(data []byte) (*streamMessage, error) {
	var msg streamMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// streamSID prefers the top-level field and falls back to the start body.
func (m *streamMessage) streamSID() string {
	if m.StreamSID != "" {
		return m.StreamSID
	}
	if m.Start != nil {
		return m.Start.StreamSID
	}
	return ""
}

func encodeMedia(streamSID string, mulaw []byte) ([]byte, error) {
	return sonic.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     outboundBody{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}
