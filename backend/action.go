package backend

import (
	"encoding/json"
	"fmt"
)

// Action is one instruction the AI attached to a reply. The set of kinds
// is closed: consumers switch over the concrete types and the compiler
// keeps the dispatch honest when a kind is added.
type Action interface {
	isAction()
}

// SayAction speaks a line to the caller.
type SayAction struct {
	Text string
}

// HangupAction ends the call after pending speech finishes.
type HangupAction struct{}

// SendSMSAction sends a text message, typically payment details.
type SendSMSAction struct {
	To      string
	Message string
}

// AwaitPaymentAction arms the payment-confirmation SMS matcher for the
// session.
type AwaitPaymentAction struct {
	Amount    float64
	Reference string
	CardLast4 string
}

func (SayAction) isAction()          {}
func (HangupAction) isAction()       {}
func (SendSMSAction) isAction()      {}
func (AwaitPaymentAction) isAction() {}

// rawAction is the wire form: a type tag plus kind-specific fields.
type rawAction struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	To        string  `json:"to,omitempty"`
	Message   string  `json:"message,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Reference string  `json:"reference,omitempty"`
	CardLast4 string  `json:"card_last4,omitempty"`
}

// decodeActions converts the wire action list into the closed type set.
// An unknown type tag is an error: silently dropping an instruction the
// AI issued is worse than failing the turn.
func decodeActions(raw []rawAction) ([]Action, error) {
	actions := make([]Action, 0, len(raw))
	for _, r := range raw {
		switch r.Type {
		case "say":
			actions = append(actions, SayAction{Text: r.Text})
		case "hangup":
			actions = append(actions, HangupAction{})
		case "send_sms":
			actions = append(actions, SendSMSAction{To: r.To, Message: r.Message})
		case "await_payment":
			actions = append(actions, AwaitPaymentAction{
				Amount:    r.Amount,
				Reference: r.Reference,
				CardLast4: r.CardLast4,
			})
		default:
			return nil, fmt.Errorf("unknown action type %q", r.Type)
		}
	}
	return actions, nil
}

// UnmarshalJSON decodes an AI reply including its action list.
func (r *AIReply) UnmarshalJSON(data []byte) error {
	type wire struct {
		Text          string          `json:"text"`
		Audio         []byte          `json:"audio"`
		WorkflowState json.RawMessage `json:"workflow_state"`
		Actions       []rawAction     `json:"actions"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	actions, err := decodeActions(w.Actions)
	if err != nil {
		return err
	}
	r.Text = w.Text
	r.Audio = w.Audio
	r.WorkflowState = w.WorkflowState
	r.Actions = actions
	return nil
}
