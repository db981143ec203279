package model

import (
	"time"
)

// Operator is a human agent who receives forwarded visitor messages.
type Operator struct {
	ID        uint64    `json:"id"`
	NativeID  string    `json:"native_id"`
	Name      string    `json:"name"`
	Reachable bool      `json:"reachable"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns a human readable operator name.
func (o *Operator) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}
	return "operator " + o.NativeID
}

// ForwardLink ties a notification an operator received back to the visitor
// thread it was forwarded from, so a reply to it can be routed.
type ForwardLink struct {
	OperatorID uint64    `json:"operator_id"`
	Ref        string    `json:"ref"`
	VisitorID  uint64    `json:"visitor_id"`
	MessageID  string    `json:"message_id"`
	CreatedAt  time.Time `json:"created_at"`
}
