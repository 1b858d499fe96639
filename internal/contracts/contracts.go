// Package contracts defines the JSON wire contract spoken with an interactive
// kernel: command and event envelopes, the event payload shapes and the
// token conventions used to correlate them.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command types.
const (
	SubmitCodeType         = "SubmitCode"
	RequestDiagnosticsType = "RequestDiagnostics"
)

// Event types.
const (
	CodeSubmissionReceivedType         = "CodeSubmissionReceived"
	CompleteCodeSubmissionReceivedType = "CompleteCodeSubmissionReceived"
	CommandSucceededType               = "CommandSucceeded"
	CommandFailedType                  = "CommandFailed"
	DisplayedValueProducedType         = "DisplayedValueProduced"
	DisplayedValueUpdatedType          = "DisplayedValueUpdated"
	ReturnValueProducedType            = "ReturnValueProduced"
	StandardOutputValueProducedType    = "StandardOutputValueProduced"
	StandardErrorValueProducedType     = "StandardErrorValueProduced"
	DiagnosticsProducedType            = "DiagnosticsProduced"
)

// DefaultDeferredPrefix marks tokens of kernel-originated notifications that
// are not tied to any submission.
const DefaultDeferredPrefix = "deferredCommand"

// deferredSeparator joins the deferred prefix and the opaque remainder.
const deferredSeparator = "::"

// subTokenSeparator joins a submission token and the suffix of a child command
// the kernel spawned for it.
const subTokenSeparator = "."

// KernelEventEnvelope is a single event as it arrives from the kernel.
type KernelEventEnvelope struct {
	EventType string          `json:"eventType"`
	Event     json.RawMessage `json:"event"`
	Token     string          `json:"token"`
}

// KernelCommandEnvelope is a single command sent to the kernel.
type KernelCommandEnvelope struct {
	CommandType string `json:"commandType"`
	Command     any    `json:"command"`
	Token       string `json:"token"`
}

// SubmitCode asks the kernel to run code.
type SubmitCode struct {
	Code             string `json:"code"`
	TargetKernelName string `json:"targetKernelName,omitempty"`
}

// RequestDiagnostics asks the kernel to analyze code without running it.
type RequestDiagnostics struct {
	Code             string `json:"code"`
	TargetKernelName string `json:"targetKernelName,omitempty"`
}

// FormattedValue is one representation of a displayed value.
type FormattedValue struct {
	MimeType string `json:"mimeType"`
	Value    string `json:"value"`
}

// DisplayEvent is the payload shared by every *ValueProduced and
// DisplayedValueUpdated event.
type DisplayEvent struct {
	Value           any              `json:"value"`
	ValueID         *string          `json:"valueId"`
	FormattedValues []FormattedValue `json:"formattedValues"`
}

// CommandFailed reports that the kernel could not complete a command.
type CommandFailed struct {
	Message string `json:"message"`
}

// CommandSucceeded reports successful completion of a command.
type CommandSucceeded struct{}

// CodeSubmissionReceived echoes submitted code.
type CodeSubmissionReceived struct {
	Code string `json:"code"`
}

// CompleteCodeSubmissionReceived signals the kernel parsed a complete submission.
type CompleteCodeSubmissionReceived struct {
	Code string `json:"code"`
}

// DiagnosticsProduced carries compiler diagnostics for a submission.
type DiagnosticsProduced struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// LinePosition is a zero-based position in submitted code.
type LinePosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// LinePositionSpan is a range in submitted code.
type LinePositionSpan struct {
	Start LinePosition `json:"start"`
	End   LinePosition `json:"end"`
}

// Diagnostic is a single compiler message.
type Diagnostic struct {
	LinePositionSpan LinePositionSpan `json:"linePositionSpan"`
	Severity         string           `json:"severity"`
	Code             string           `json:"code"`
	Message          string           `json:"message"`
}

// IsValueProduced reports whether eventType creates a new display.
func IsValueProduced(eventType string) bool {
	switch eventType {
	case DisplayedValueProducedType, ReturnValueProducedType,
		StandardOutputValueProducedType, StandardErrorValueProducedType:
		return true
	}
	return false
}

// IsTerminal reports whether eventType settles a command.
func IsTerminal(eventType string) bool {
	return eventType == CommandSucceededType || eventType == CommandFailedType
}

// DecodeDisplay unmarshals the payload of a produced or updated event.
func (e KernelEventEnvelope) DecodeDisplay() (DisplayEvent, error) {
	var d DisplayEvent
	if err := e.decode(&d); err != nil {
		return DisplayEvent{}, err
	}
	return d, nil
}

// DecodeFailure unmarshals the payload of a CommandFailed event.
func (e KernelEventEnvelope) DecodeFailure() (CommandFailed, error) {
	var f CommandFailed
	if err := e.decode(&f); err != nil {
		return CommandFailed{}, err
	}
	return f, nil
}

// DecodeDiagnostics unmarshals the payload of a DiagnosticsProduced event.
func (e KernelEventEnvelope) DecodeDiagnostics() (DiagnosticsProduced, error) {
	var d DiagnosticsProduced
	if err := e.decode(&d); err != nil {
		return DiagnosticsProduced{}, err
	}
	return d, nil
}

func (e KernelEventEnvelope) decode(v any) error {
	if len(e.Event) == 0 || string(e.Event) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Event, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// NewEvent builds an envelope from a typed payload.
func NewEvent(eventType string, payload any, token string) (KernelEventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return KernelEventEnvelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return KernelEventEnvelope{EventType: eventType, Event: raw, Token: token}, nil
}

// DeferredToken builds a token for a kernel-originated notification.
func DeferredToken(prefix, opaque string) string {
	if prefix == "" {
		prefix = DefaultDeferredPrefix
	}
	return prefix + deferredSeparator + opaque
}

// IsDeferredToken reports whether token follows the deferred notification
// convention for prefix.
func IsDeferredToken(token, prefix string) bool {
	if prefix == "" {
		prefix = DefaultDeferredPrefix
	}
	return strings.HasPrefix(token, prefix+deferredSeparator)
}

// SubToken derives the token of a child command spawned for parent.
func SubToken(parent, suffix string) string {
	return parent + subTokenSeparator + suffix
}

// ParentTokens returns every candidate parent of token, nearest first.
// "a.b.c" yields "a.b" then "a".
func ParentTokens(token string) []string {
	var parents []string
	for i := strings.LastIndex(token, subTokenSeparator); i > 0; i = strings.LastIndex(token[:i], subTokenSeparator) {
		parents = append(parents, token[:i])
	}
	return parents
}
