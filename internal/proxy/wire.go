package proxy

import "encoding/json"

// Provider wire protocol. The message shapes are fixed by the ASR service
// and must be reproduced exactly: a session-configuration message, a
// base64 audio append, a commit, and server-originated lifecycle and
// transcript messages. Interim transcripts carry the complete text of the
// current segment in the "stash" field, not a delta.

const (
	msgSessionUpdate = "session.update"
	msgAudioAppend   = "input_audio_buffer.append"
	msgAudioCommit   = "input_audio_buffer.commit"

	evtSessionCreated    = "session.created"
	evtSessionUpdated    = "session.updated"
	evtTranscriptInterim = "transcript.interim"
	evtTranscriptDone    = "transcript.done"
	evtProviderError     = "error"
)

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modality         string        `json:"modality"`
	InputAudioFormat string        `json:"input_audio_format"`
	SampleRate       int           `json:"input_audio_sample_rate"`
	Language         string        `json:"language"`
	TurnDetection    turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type audioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type audioCommitMessage struct {
	Type string `json:"type"`
}

// serverMessage is the envelope for everything the provider sends back.
type serverMessage struct {
	Type  string `json:"type"`
	Stash string `json:"stash,omitempty"`
	Text  string `json:"text,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func parseServerMessage(data []byte) (serverMessage, error) {
	var msg serverMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
