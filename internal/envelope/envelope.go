package envelope

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

const (
	KindRPCRequest = "rpc_request"
	KindRPCOk      = "rpc_ok"
	KindRPCError   = "rpc_error"

	KindWait       = "wait"
	KindReadStatus = "read_status"
)

// DeterministicLabel replaces empty labels when reproducible output is needed.
const DeterministicLabel = "test"

var ErrEmptyLabel = errors.New("envelope label is empty")

// Command is an opaque tagged payload. Only Kind and, for waits, the
// "milliseconds" argument are interpreted.
type Command struct {
	Kind string         `json:"kind"`
	Args map[string]any `json:"args"`
	Body []Command      `json:"body,omitempty"`
}

type Args struct {
	Label    string `json:"label"`
	Priority *int   `json:"priority,omitempty"`
}

// Envelope is the rpc_request wrapper sent to the device.
type Envelope struct {
	Kind string    `json:"kind"`
	Args Args      `json:"args"`
	Body []Command `json:"body"`
}

// New builds a command. A nil args map is sent as {}.
func New(kind string, args map[string]any, body ...Command) Command {
	if args == nil {
		args = map[string]any{}
	}
	return Command{Kind: kind, Args: args, Body: body}
}

func Wait(milliseconds int) Command {
	return New(KindWait, map[string]any{"milliseconds": milliseconds})
}

func ReadStatus() Command {
	return New(KindReadStatus, nil)
}

// Wrap places cmd in an rpc_request envelope with an empty label. A command
// that already is an rpc_request is converted as-is and priority is ignored.
func Wrap(cmd Command, priority *int) Envelope {
	if cmd.Kind == KindRPCRequest {
		return fromCommand(cmd)
	}
	env := Envelope{
		Kind: KindRPCRequest,
		Body: []Command{cmd},
	}
	if priority != nil {
		p := *priority
		env.Args.Priority = &p
	}
	return env
}

// AssignLabel returns a copy of env whose empty label is replaced by
// DeterministicLabel or a fresh UUIDv7.
func AssignLabel(env Envelope, deterministic bool) Envelope {
	if env.Args.Label != "" {
		return env
	}
	if deterministic {
		env.Args.Label = DeterministicLabel
	} else {
		env.Args.Label = uuid.Must(uuid.NewV7()).String()
	}
	return env
}

// Command converts the envelope back into its generic command form.
func (e Envelope) Command() Command {
	args := map[string]any{"label": e.Args.Label}
	if e.Args.Priority != nil {
		args["priority"] = *e.Args.Priority
	}
	return Command{Kind: e.Kind, Args: args, Body: append([]Command(nil), e.Body...)}
}

func (e Envelope) Label() string { return e.Args.Label }

// Marshal encodes the envelope for the wire. The label must be set.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Args.Label == "" {
		return nil, ErrEmptyLabel
	}
	if e.Body == nil {
		e.Body = []Command{}
	}
	return json.Marshal(e)
}

// WaitExtension sums the milliseconds of every wait command in the body.
func (e Envelope) WaitExtension() int {
	total := 0
	for _, c := range e.Body {
		if c.Kind != KindWait {
			continue
		}
		if ms, ok := toInt(c.Args["milliseconds"]); ok && ms > 0 {
			total += ms
		}
	}
	return total
}

// Has reports whether the body contains a command of the given kind.
func (e Envelope) Has(kind string) bool {
	for _, c := range e.Body {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func fromCommand(cmd Command) Envelope {
	env := Envelope{Kind: KindRPCRequest, Body: append([]Command(nil), cmd.Body...)}
	if label, ok := cmd.Args["label"].(string); ok {
		env.Args.Label = label
	}
	if p, ok := toInt(cmd.Args["priority"]); ok {
		env.Args.Priority = &p
	}
	return env
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
