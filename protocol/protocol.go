// Package protocol defines the messages exchanged with the analyzer over the
// stream websocket: binary WAV frames out, typed JSON events in, and one
// end_stream control message out.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	TypeConnected     = "connected"
	TypePartialResult = "partial_result"
	TypeFinalResult   = "final_result"
	TypeError         = "error"
	TypeEndStream     = "end_stream"
)

// Verdict thresholds shared with the analyzer. Changing them here without
// changing the analyzer makes live and final verdicts disagree.
const (
	ThresholdSafe       = 0.30
	ThresholdSuspicious = 0.60
	ThresholdLikelyScam = 0.85
)

type Verdict string

const (
	VerdictSafe       Verdict = "SAFE"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictLikelyScam Verdict = "LIKELY_SCAM"
	VerdictScam       Verdict = "SCAM"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictSafe, VerdictSuspicious, VerdictLikelyScam, VerdictScam:
		return true
	}
	return false
}

// VerdictFor maps a score in [0, 1] to its verdict.
func VerdictFor(score float64) Verdict {
	switch {
	case score < ThresholdSafe:
		return VerdictSafe
	case score < ThresholdSuspicious:
		return VerdictSuspicious
	case score < ThresholdLikelyScam:
		return VerdictLikelyScam
	default:
		return VerdictScam
	}
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// UnmarshalJSON maps unknown severities to medium.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch Severity(raw) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		*s = Severity(raw)
	default:
		*s = SeverityMedium
	}
	return nil
}

type Signal struct {
	Category string   `json:"category"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity"`
}

// Message is one decoded inbound event.
type Message interface {
	MessageType() string
}

type Connected struct{}

type PartialResult struct {
	ChunkIndex        int      `json:"chunk_index"`
	ScamScore         float64  `json:"scam_score"`
	CumulativeScore   float64  `json:"cumulative_score"`
	Confidence        float64  `json:"confidence"`
	Verdict           Verdict  `json:"verdict"`
	Signals           []Signal `json:"signals"`
	Recommendation    string   `json:"recommendation,omitempty"`
	TranscriptSummary string   `json:"transcript_summary,omitempty"`
	TimestampMs       *int64   `json:"timestamp_ms,omitempty"`
	ScoreDelta        *float64 `json:"score_delta,omitempty"`
	NewSignals        []Signal `json:"new_signals,omitempty"`
}

type FinalResult struct {
	TotalChunks       int      `json:"total_chunks"`
	CombinedScore     float64  `json:"combined_score"`
	MaxScore          *float64 `json:"max_score,omitempty"`
	Verdict           Verdict  `json:"verdict"`
	Signals           []Signal `json:"signals"`
	Recommendation    string   `json:"recommendation,omitempty"`
	TranscriptSummary string   `json:"transcript_summary,omitempty"`
	ReviewRequired    bool     `json:"review_required,omitempty"`
	ReviewReason      string   `json:"review_reason,omitempty"`
}

// ErrorMessage is an analyzer-reported failure for one chunk. It does not
// end the stream.
type ErrorMessage struct {
	Detail string `json:"detail"`
}

func (Connected) MessageType() string      { return TypeConnected }
func (*PartialResult) MessageType() string { return TypePartialResult }
func (*FinalResult) MessageType() string   { return TypeFinalResult }
func (*ErrorMessage) MessageType() string  { return TypeError }

// DecodeError reports an inbound frame that could not be understood.
type DecodeError struct {
	Type   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "protocol: " + e.Reason
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound text frame.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}

	var msg Message
	switch env.Type {
	case TypeConnected:
		return Connected{}, nil
	case TypePartialResult:
		msg = &PartialResult{}
	case TypeFinalResult:
		msg = &FinalResult{}
	case TypeError:
		msg = &ErrorMessage{}
	case "":
		return nil, &DecodeError{Reason: "missing type"}
	default:
		return nil, &DecodeError{Type: env.Type, Reason: "unknown message"}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Type: env.Type, Reason: "malformed payload", Err: err}
	}

	// Unknown verdicts fall back to the one implied by the score.
	switch m := msg.(type) {
	case *PartialResult:
		if !m.Verdict.Valid() {
			m.Verdict = VerdictFor(m.ScamScore)
		}
	case *FinalResult:
		if !m.Verdict.Valid() {
			m.Verdict = VerdictFor(m.CombinedScore)
		}
	}
	return msg, nil
}

// EndStream is the control frame sent once after the last chunk.
func EndStream() []byte {
	return []byte(`{"type":"end_stream"}`)
}

// IsEndStream reports whether a text frame is the end_stream control message.
func IsEndStream(data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Type == TypeEndStream
}

// Encode marshals an outbound event with its type discriminator. The test
// analyzer uses it to produce frames.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Connected:
		return json.Marshal(envelope{Type: TypeConnected})
	case *PartialResult:
		return json.Marshal(struct {
			Type string `json:"type"`
			*PartialResult
		}{TypePartialResult, m})
	case *FinalResult:
		return json.Marshal(struct {
			Type string `json:"type"`
			*FinalResult
		}{TypeFinalResult, m})
	case *ErrorMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ErrorMessage
		}{TypeError, m})
	}
	return nil, fmt.Errorf("protocol: cannot encode %T", msg)
}
