// Package backend is the HTTP client for the AI platform: user lookup,
// call sessions, workflow state, AI turn processing, speech synthesis and
// event notification. The platform owns all conversational reasoning; this
// package treats workflow state and AI decisions as opaque payloads.
package backend

import (
	"encoding/json"
	"time"
)

// User identifies the owner of a company phone number.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CompanyNumber string `json:"company_number"`
	Language      string `json:"language"`
}

// Workflow is the active workflow graph for a user. The graph itself is
// opaque to the modem subsystem.
type Workflow struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

// ContextEntry is one line of a call transcript.
type ContextEntry struct {
	Speaker string    `json:"speaker"` // "caller" or "agent"
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// CreateSessionRequest registers a new call or SMS session.
type CreateSessionRequest struct {
	UserID       string `json:"user_id"`
	CallerNumber string `json:"caller_number"`
	Channel      string `json:"channel"` // "voice" or "sms"
}

// ProcessInputRequest carries one caller utterance to the AI.
type ProcessInputRequest struct {
	SessionID     string          `json:"session_id"`
	Input         string          `json:"input,omitempty"`
	Audio         []byte          `json:"audio,omitempty"`
	Context       []ContextEntry  `json:"context,omitempty"`
	WorkflowState json.RawMessage `json:"workflow_state,omitempty"`
}

// AIReply is the AI's turn: response text, optional pre-synthesized audio,
// updated workflow state and the actions to execute.
type AIReply struct {
	Text          string          `json:"text"`
	Audio         []byte          `json:"audio,omitempty"`
	WorkflowState json.RawMessage `json:"workflow_state,omitempty"`
	Actions       []Action        `json:"-"`
}

// VoiceSettings selects the synthesis voice.
type VoiceSettings struct {
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// SummaryRequest asks for a stored AI summary of a finished call.
type SummaryRequest struct {
	SessionID  string         `json:"session_id"`
	Transcript []ContextEntry `json:"transcript"`
	Duration   float64        `json:"duration_seconds"`
}

// PaymentConfirmation reports a matched payment-confirmation SMS.
type PaymentConfirmation struct {
	SessionID string  `json:"session_id"`
	Amount    float64 `json:"amount,omitempty"`
	Reference string  `json:"reference,omitempty"`
	RawSMS    string  `json:"raw_sms"`
}

// SMSNotification forwards one SMS to the platform, which is the system
// of record for messages.
type SMSNotification struct {
	DeviceID    string    `json:"device_id"`
	PhoneNumber string    `json:"phone_number"`
	Content     string    `json:"content"`
	Direction   string    `json:"direction"` // "incoming" or "outgoing"
	Time        time.Time `json:"time"`
	SessionID   string    `json:"session_id,omitempty"`
}

// CallEvent notifies the platform of a call lifecycle change.
type CallEvent struct {
	CallID        string    `json:"call_id"`
	DeviceID      string    `json:"device_id"`
	Event         string    `json:"event"` // "ringing", "answered", "completed", "failed"
	CallerNumber  string    `json:"caller_number,omitempty"`
	CompanyNumber string    `json:"company_number,omitempty"`
	Time          time.Time `json:"time"`
}
