// Package protocol defines the command/event surface between the caller
// domain (capture, session client, orchestrator) and the session proxy,
// carried as JSON messages over the bus.
package protocol

import "time"

// StartSession asks the proxy to open a new provider session. Sent as a
// request; the proxy replies with StartSessionReply carrying the issued id.
type StartSession struct {
	APIKey   string `json:"api_key"`
	Region   string `json:"region"`
	Language string `json:"language"`
}

type StartSessionReply struct {
	SessionID int64  `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// AudioChunk carries one encoded chunk of audio for an open session.
// Fire-and-forget: the proxy never acknowledges individual chunks.
type AudioChunk struct {
	SessionID int64  `json:"session_id"`
	Audio     string `json:"audio"` // base64 16-bit PCM, 16 kHz mono
}

// CommitSession signals end of speech input for the current segment.
type CommitSession struct {
	SessionID int64 `json:"session_id"`
}

// StopSession commits, waits out the close grace, and tears the socket down.
type StopSession struct {
	SessionID int64 `json:"session_id"`
}

// SessionEvent is the single event envelope relayed by the proxy. Every
// event is tagged with the session it belongs to so clients can discard
// stragglers from superseded sessions.
type SessionEvent struct {
	Type      EventType `json:"type"`
	SessionID int64     `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	Code      int       `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type EventType string

const (
	EventConnected EventType = "connected"
	EventReady     EventType = "ready"
	EventInterim   EventType = "interim"
	EventSegment   EventType = "segment"
	EventFinal     EventType = "final"
	EventError     EventType = "error"
	EventClosed    EventType = "closed"
)

const (
	SubjectSessionStart  = "voice.session.cmd.start"
	SubjectSessionAudio  = "voice.session.cmd.audio"
	SubjectSessionCommit = "voice.session.cmd.commit"
	SubjectSessionStop   = "voice.session.cmd.stop"
	SubjectSessionEvents = "voice.session.evt"
)
