package voiceagent

// Client -> vendor event types.
const (
	EventSessionUpdate      = "session.update"
	EventConversationCreate = "conversation.create"
	EventResponseCreate     = "response.create"
	EventAudioAppend        = "input_audio_buffer.append"
	EventAudioCommit        = "input_audio_buffer.commit"
	EventError              = "error"
)

const audioFormatPCM16 = "pcm16"

type audioFormat struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type sessionConfig struct {
	InputAudioFormat  audioFormat `json:"input_audio_format"`
	OutputAudioFormat audioFormat `json:"output_audio_format"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type conversationCreate struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type typedEvent struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// serverEvent covers the vendor messages the client reacts to. Audio comes
// either as "audio" or, for "*.audio.delta" events, as "delta".
type serverEvent struct {
	Type  string      `json:"type"`
	Audio string      `json:"audio,omitempty"`
	Delta string      `json:"delta,omitempty"`
	Error interface{} `json:"error,omitempty"`
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	URL       string `json:"url"`
}
