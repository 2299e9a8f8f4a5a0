package envelope

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	env := Wrap(Wait(100), nil)

	assert.Equal(t, KindRPCRequest, env.Kind)
	assert.Empty(t, env.Args.Label)
	assert.Nil(t, env.Args.Priority)
	require.Len(t, env.Body, 1)
	assert.Equal(t, KindWait, env.Body[0].Kind)
}

func TestWrapPriority(t *testing.T) {
	p := 600
	env := Wrap(ReadStatus(), &p)
	require.NotNil(t, env.Args.Priority)
	assert.Equal(t, 600, *env.Args.Priority)

	p = 1
	assert.Equal(t, 600, *env.Args.Priority, "envelope must not alias the caller's priority")
}

func TestWrapIsIdempotent(t *testing.T) {
	p := 5
	cmds := []Command{
		Wait(100),
		ReadStatus(),
		New("move", map[string]any{"x": 1.0, "y": 2.0}, New("speed_overwrite", nil)),
	}
	for _, c := range cmds {
		for _, prio := range []*int{nil, &p} {
			once := Wrap(c, prio)
			twice := Wrap(once.Command(), prio)
			assert.Equal(t, once, twice, "kind=%s", c.Kind)
		}
	}
}

func TestWrapKeepsExistingEnvelope(t *testing.T) {
	raw := New(KindRPCRequest, map[string]any{"label": "abc", "priority": float64(9)}, Wait(5))

	env := Wrap(raw, nil)
	assert.Equal(t, "abc", env.Label())
	require.NotNil(t, env.Args.Priority)
	assert.Equal(t, 9, *env.Args.Priority)
	require.Len(t, env.Body, 1)
	assert.Equal(t, KindWait, env.Body[0].Kind)
}

func TestAssignLabel(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		env := AssignLabel(Wrap(Wait(1), nil), true)
		assert.Equal(t, DeterministicLabel, env.Label())
	})

	t.Run("unique", func(t *testing.T) {
		a := AssignLabel(Wrap(Wait(1), nil), false)
		b := AssignLabel(Wrap(Wait(1), nil), false)
		require.NotEmpty(t, a.Label())
		assert.NotEqual(t, a.Label(), b.Label())
		id, err := uuid.Parse(a.Label())
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), id.Version())
	})

	t.Run("keeps existing", func(t *testing.T) {
		env := Wrap(Wait(1), nil)
		env.Args.Label = "mine"
		assert.Equal(t, "mine", AssignLabel(env, false).Label())
	})

	t.Run("never empty", func(t *testing.T) {
		for _, det := range []bool{true, false} {
			assert.NotEmpty(t, AssignLabel(Envelope{}, det).Label())
		}
	})
}

func TestMarshal(t *testing.T) {
	p := 3
	env := AssignLabel(Wrap(Wait(100), &p), true)
	b, err := env.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"rpc_request","args":{"label":"test","priority":3},"body":[{"kind":"wait","args":{"milliseconds":100}}]}`,
		string(b))

	_, err = Wrap(Wait(1), nil).Marshal()
	assert.ErrorIs(t, err, ErrEmptyLabel)

	b, err = Envelope{Kind: KindRPCRequest, Args: Args{Label: "x"}}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"rpc_request","args":{"label":"x"},"body":[]}`, string(b))
}

func TestWaitExtension(t *testing.T) {
	assert.Equal(t, 100, Wrap(Wait(100), nil).WaitExtension())
	assert.Equal(t, 0, Wrap(ReadStatus(), nil).WaitExtension())

	env := Envelope{Kind: KindRPCRequest, Body: []Command{Wait(100), ReadStatus(), Wait(250)}}
	assert.Equal(t, 350, env.WaitExtension())

	var decoded Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"rpc_request","args":{"label":"l"},"body":[{"kind":"wait","args":{"milliseconds":40}}]}`), &decoded))
	assert.Equal(t, 40, decoded.WaitExtension())
	assert.True(t, decoded.Has(KindWait))
	assert.False(t, decoded.Has(KindReadStatus))
}

func TestReadAck(t *testing.T) {
	var payload any
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"rpc_ok","args":{"label":"abc"}}`), &payload))
	ack := ReadAck(payload)
	assert.Equal(t, Ack{Kind: KindRPCOk, Label: "abc"}, ack)
	assert.True(t, ack.OK())

	assert.False(t, ReadAck(map[string]any{"kind": KindRPCError}).OK())
	assert.Equal(t, Ack{}, ReadAck("not an object"))
}
