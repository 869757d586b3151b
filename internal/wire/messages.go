// Package wire holds the JSON shapes exchanged on a channel: the outbound
// actions written in batches to the channel URL and the inbound responses
// delivered on the event stream.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the discriminator of an outbound message.
type Action string

const (
	ActionPoke        Action = "poke"
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionAck         Action = "ack"
	ActionDelete      Action = "delete"
)

// Outbound is a single message in a channel write. Only the fields relevant
// to Action are populated.
type Outbound struct {
	ID           int64           `json:"id,omitempty"`
	Action       Action          `json:"action"`
	Ship         string          `json:"ship,omitempty"`
	App          string          `json:"app,omitempty"`
	Mark         string          `json:"mark,omitempty"`
	JSON         json.RawMessage `json:"json,omitempty"`
	Path         string          `json:"path,omitempty"`
	Subscription int64           `json:"subscription,omitempty"`
	EventID      int64           `json:"event-id,omitempty"`
}

// NewPoke builds a poke carrying payload for app under the given mark.
func NewPoke(id int64, ship, app, mark string, payload json.RawMessage) Outbound {
	return Outbound{ID: id, Action: ActionPoke, Ship: ship, App: app, Mark: mark, JSON: payload}
}

// NewSubscribe builds a subscribe request for app at path.
func NewSubscribe(id int64, ship, app, path string) Outbound {
	return Outbound{ID: id, Action: ActionSubscribe, Ship: ship, App: app, Path: path}
}

// NewUnsubscribe builds a request cancelling the subscription opened with
// the subscribe message whose id is subscription.
func NewUnsubscribe(id, subscription int64) Outbound {
	return Outbound{ID: id, Action: ActionUnsubscribe, Subscription: subscription}
}

// NewAck acknowledges a stream event. It does not consume a message id.
func NewAck(eventID int64) Outbound {
	return Outbound{Action: ActionAck, EventID: eventID}
}

// NewDelete asks the server to tear the channel down.
func NewDelete() Outbound {
	return Outbound{Action: ActionDelete}
}

// Response is the discriminator of an inbound stream payload.
type Response string

const (
	ResponsePoke      Response = "poke"
	ResponseSubscribe Response = "subscribe"
	ResponseDiff      Response = "diff"
	ResponseQuit      Response = "quit"
)

// Inbound is the decoded data of one stream event.
//
// For poke and subscribe responses exactly one of OK and Err is present. For
// diff responses JSON carries the subscription payload and ID names the
// originating subscribe request.
type Inbound struct {
	ID       int64           `json:"id"`
	Response Response        `json:"response"`
	OK       json.RawMessage `json:"ok,omitempty"`
	Err      json.RawMessage `json:"err,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
}

// OutcomeError reports a poke or subscribe response whose outcome cannot be
// read. The request id is known, so the request can still be settled.
type OutcomeError struct {
	ID       int64
	Response Response
	Problem  string
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("%s response %d %s", e.Response, e.ID, e.Problem)
}

// UnmarshalJSON validates the structural rules of an inbound payload.
// Unknown response kinds are accepted so callers can log and drop them.
func (m *Inbound) UnmarshalJSON(data []byte) error {
	type rawInbound struct {
		ID       *int64          `json:"id"`
		Response Response        `json:"response"`
		OK       json.RawMessage `json:"ok,omitempty"`
		Err      json.RawMessage `json:"err,omitempty"`
		JSON     json.RawMessage `json:"json,omitempty"`
	}

	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.Response == "" {
		return fmt.Errorf("response field is required")
	}
	if raw.ID == nil {
		return fmt.Errorf("id field is required")
	}

	hasOK := len(raw.OK) > 0
	hasErr := len(raw.Err) > 0
	switch raw.Response {
	case ResponsePoke, ResponseSubscribe:
		if hasOK && hasErr {
			return &OutcomeError{ID: *raw.ID, Response: raw.Response, Problem: "cannot have both ok and err fields"}
		}
		if !hasOK && !hasErr {
			return &OutcomeError{ID: *raw.ID, Response: raw.Response, Problem: "must have either ok or err field"}
		}
	}

	m.ID = *raw.ID
	m.Response = raw.Response
	m.OK = raw.OK
	m.Err = raw.Err
	m.JSON = raw.JSON
	return nil
}

// Failed reports whether the payload carries an err field.
func (m *Inbound) Failed() bool {
	return len(m.Err) > 0
}

// Reason renders the err field as text. Servers send either a string or a
// list of lines (a rendered stack trace); both are flattened.
func (m *Inbound) Reason() string {
	if len(m.Err) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Err, &s); err == nil {
		return s
	}
	var lines []string
	if err := json.Unmarshal(m.Err, &lines); err == nil {
		return strings.Join(lines, "\n")
	}
	return string(m.Err)
}
