// Package event defines the wire envelopes exchanged over the message bus and
// the client WebSocket. All payloads are UTF-8 JSON except raw audio frames,
// which travel as opaque binary on audio.raw.{session_id}.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types carried in the "type" field of control frames.
const (
	TypeHandshake      = "handshake"
	TypeHandshakeAck   = "handshake_ack"
	TypeOverlayTrigger = "overlay_trigger"
	TypeHeartbeat      = "heartbeat"
	TypeMute           = "mute"
	TypeEnd            = "end"
	TypeError          = "error"
	TypeDataPersisted  = "data_persisted"
)

// Bus subject layout. {session_id} segments are filled by the Subject*
// helpers below.
const (
	SubjectAudioPrefix      = "audio.raw."
	SubjectUICommandsPrefix = "ui.commands."
	SubjectTranscriptPrefix = "transcript_event."
	SubjectCallEnded        = "call.ended"
	SubjectAuditPrefix      = "audit."
	SubjectDeadLetter       = "persistence.dead_letter"
)

// SubjectAudio returns the raw-audio subject for a session.
func SubjectAudio(sessionID string) string { return SubjectAudioPrefix + sessionID }

// SubjectUICommands returns the UI command subject for a session.
func SubjectUICommands(sessionID string) string { return SubjectUICommandsPrefix + sessionID }

// SubjectTranscript returns the transcript-event subject for a session.
func SubjectTranscript(sessionID string) string { return SubjectTranscriptPrefix + sessionID }

// SubjectAudit returns the audit subject for an action, e.g. "audit.LOGIN".
func SubjectAudit(action string) string { return SubjectAuditPrefix + action }

// AudioConfig describes the PCM stream a client sends after the handshake.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	ChunkSize  int    `json:"chunk_size"`
}

// Handshake is the first text frame a client must send after connecting.
type Handshake struct {
	Type          string      `json:"type"`
	Token         string      `json:"token"`
	ClientVersion string      `json:"client_version"`
	AudioConfig   AudioConfig `json:"audio_config"`
}

// HandshakeAck confirms a successful handshake and assigns the session ID.
type HandshakeAck struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ReconnectToken string `json:"reconnect_token,omitempty"`
}

// Control is the minimal view of a client text frame used to dispatch on its
// type. Unknown fields are preserved nowhere; control frames are terminal.
type Control struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// TriggerContent is the overlay payload shown to the sales agent.
type TriggerContent struct {
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	ActionItems []string `json:"action_items"`
	Sentiment   string   `json:"sentiment"`
	ColorHex    string   `json:"color_hex"`
}

// OverlayTrigger instructs the client overlay to display a hint.
type OverlayTrigger struct {
	Type              string         `json:"type"`
	Content           TriggerContent `json:"content"`
	DisplayDurationMs int            `json:"display_duration_ms"`
}

// ErrorFrame reports a protocol-level failure to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DataPersisted confirms that a transcript segment reached durable storage.
type DataPersisted struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// CallEnded marks the end of a session. Published exactly once per session by
// the gateway; consumed by the persistence and post-call workers.
type CallEnded struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptEvent carries one scrubbed utterance from the speech pipeline to
// the persistence worker. Offsets are seconds from call start. ID is assigned
// by the speech pipeline and echoed back in the data_persisted confirmation.
type TranscriptEvent struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	Text        string  `json:"text"`
	StartOffset float64 `json:"start_offset"`
	EndOffset   float64 `json:"end_offset"`
	Speaker     string  `json:"speaker"`
}

// Speaker values for TranscriptEvent.
const (
	SpeakerAgent    = "agent"
	SpeakerCustomer = "customer"
)

// AuditEvent is one record in the tamper-evident compliance chain. Hash and
// PrevHash are assigned by the audit consumer, never by publishers.
type AuditEvent struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	ActorID    string            `json:"actor_id"`
	TenantID   string            `json:"tenant_id"`
	Action     string            `json:"action"`
	ResourceID string            `json:"resource_id"`
	Status     string            `json:"status"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Signature  string            `json:"signature,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// Marshal encodes v as compact JSON, wrapping any failure with context.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %T: %w", v, err)
	}
	return b, nil
}

// PeekType extracts the "type" field from a JSON control frame without
// decoding the full payload.
func PeekType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("event: peek type: %w", err)
	}
	return probe.Type, nil
}
