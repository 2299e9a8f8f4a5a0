package envelope

// Ack is the subset of a device acknowledgment the engine reads.
type Ack struct {
	Kind  string
	Label string
}

// ReadAck extracts kind and args.label from a decoded JSON payload. Payloads
// that are not objects yield the zero Ack.
func ReadAck(payload any) Ack {
	m, ok := payload.(map[string]any)
	if !ok {
		return Ack{}
	}
	var a Ack
	a.Kind, _ = m["kind"].(string)
	if args, ok := m["args"].(map[string]any); ok {
		a.Label, _ = args["label"].(string)
	}
	return a
}

func (a Ack) OK() bool { return a.Kind == KindRPCOk }
