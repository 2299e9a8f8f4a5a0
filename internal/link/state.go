package link

import (
	"time"
)

// State is the position of a session in the listen cycle.
type State int

const (
	StateIdle State = iota
	StateSubscribed
	StateWaiting
	StateMatched
	StateTimedOut
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateWaiting:
		return "WAITING"
	case StateMatched:
		return "MATCHED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how a listen cycle ended.
type Outcome string

const (
	OutcomeMatched     Outcome = "matched"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeDisabled    Outcome = "disabled"
)

// Result describes a finished listen or publish.
//
// Err carries recoverable conditions (ErrTimeout, ErrNegativeAck, context
// cancellation); it is nil when the cycle completed cleanly.
type Result struct {
	Channel  string        `json:"channel"`
	Label    string        `json:"label,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Messages []any         `json:"messages,omitempty"`
	Value    any           `json:"value,omitempty"`
	Changed  bool          `json:"changed"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

// Update is one message observed by Watch.
type Update struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
	Changed bool   `json:"changed"`
	Raw     any    `json:"raw,omitempty"`
}
