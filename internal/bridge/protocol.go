package bridge

import (
	"github.com/MrWong99/voxctl/internal/capability"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/pkg/provider/stt"
	"github.com/MrWong99/voxctl/pkg/provider/tts"
)

// ── Client → server ───────────────────────────────────────────────────────────

// Inbound message types.
const (
	TypeHello       = "hello"
	TypeCommand     = "command"
	TypeRecognition = "recognition"
	TypeSynthesis   = "synthesis"
	TypeMicrophone  = "microphone"
)

// Engine event names reported by the client for recognition and synthesis.
const (
	EngineStart  = "start"
	EngineResult = "result"
	EngineError  = "error"
	EngineEnd    = "end"
)

// Hello is the first message of every connection. It describes the browser
// runtime the connection drives.
type Hello struct {
	Capabilities capability.Features `json:"capabilities"`
	Voices       []tts.Voice         `json:"voices,omitempty"`
	UserID       string              `json:"user_id"`
	Groups       []string            `json:"groups,omitempty"`
	Browser      string              `json:"browser,omitempty"`
	Platform     string              `json:"platform,omitempty"`
}

// inbound is the union of every client message. Fields are populated
// according to Type.
type inbound struct {
	Type string `json:"type"`

	// hello
	Hello *Hello `json:"hello,omitempty"`

	// command
	Command  string          `json:"command,omitempty"`
	Text     string          `json:"text,omitempty"`
	Settings *settings.Patch `json:"settings,omitempty"`

	// recognition / synthesis / microphone
	ID         string            `json:"id,omitempty"`
	Event      string            `json:"event,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Final      bool              `json:"final,omitempty"`
	Alts       []stt.Alternative `json:"alternatives,omitempty"`
	OK         bool              `json:"ok,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Command is a controller operation requested by the client.
type Command struct {
	Name     string
	Text     string
	Settings *settings.Patch
}

// ── Server → client ───────────────────────────────────────────────────────────

// Outbound message types.
const (
	TypeEngine   = "engine"
	TypeEvent    = "event"
	TypeAck      = "ack"
	TypeAnnounce = "announce"
)

// Engine operations sent to the client.
const (
	OpRecognitionStart    = "recognition.start"
	OpRecognitionStop     = "recognition.stop"
	OpRecognitionAbort    = "recognition.abort"
	OpRecognitionLanguage = "recognition.language"
	OpSynthesisSpeak      = "synthesis.speak"
	OpSynthesisCancel     = "synthesis.cancel"
	OpSynthesisPause      = "synthesis.pause"
	OpSynthesisResume     = "synthesis.resume"
	OpMicrophoneRequest   = "microphone.request"
	OpMicrophoneRelease   = "microphone.release"
)

// RecognitionConfig is the wire form of [stt.Config].
type RecognitionConfig struct {
	Language        string `json:"lang"`
	Continuous      bool   `json:"continuous"`
	InterimResults  bool   `json:"interim_results"`
	MaxAlternatives int    `json:"max_alternatives"`
}

// Utterance is the wire form of [tts.Utterance].
type Utterance struct {
	Text     string  `json:"text"`
	Rate     float64 `json:"rate"`
	Pitch    float64 `json:"pitch"`
	Volume   float64 `json:"volume"`
	Language string  `json:"lang,omitempty"`
	Voice    string  `json:"voice,omitempty"`
}

type outbound struct {
	Type string `json:"type"`

	// engine
	Op        string             `json:"op,omitempty"`
	ID        string             `json:"id,omitempty"`
	Config    *RecognitionConfig `json:"config,omitempty"`
	Utterance *Utterance         `json:"utterance,omitempty"`
	Language  string             `json:"lang,omitempty"`

	// event
	Name    string `json:"name,omitempty"`
	Payload any    `json:"payload,omitempty"`

	// ack
	Command string `json:"command,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`

	// announce
	Message  string `json:"message,omitempty"`
	Priority string `json:"priority,omitempty"`
}
