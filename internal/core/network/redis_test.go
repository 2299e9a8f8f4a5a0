package network

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialRedis(t *testing.T) (*RedisPubSub, *miniredis.Miniredis) {
	t.Helper()
	creds := Credentials{DeviceID: "dev1", Secret: "s3cret"}
	m := miniredis.RunT(t)
	m.RequireUserAuth(creds.DeviceID, creds.Secret)
	creds.Broker = m.Addr()

	ps, err := NewRedisPubSub(context.Background(), creds, RedisOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return ps, m
}

func TestRedisRejectsBadSecret(t *testing.T) {
	m := miniredis.RunT(t)
	m.RequireUserAuth("dev1", "right")

	_, err := NewRedisPubSub(context.Background(), Credentials{DeviceID: "dev1", Broker: m.Addr(), Secret: "wrong"}, RedisOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestRedisPreservesPublishOrder(t *testing.T) {
	ps, _ := dialRedis(t)
	msgs, cancel, err := ps.Subscribe("devlink/dev1/status")
	require.NoError(t, err)
	defer cancel()

	const n = 60
	for i := range n {
		require.NoError(t, ps.Publish("devlink/dev1/status", []byte(strconv.Itoa(i))))
	}

	got := receiveN(t, msgs, n)
	for i, m := range got {
		assert.Equal(t, "devlink/dev1/status", m.Topic)
		assert.Equal(t, strconv.Itoa(i), string(m.Payload))
	}
}

func TestRedisWildcardSubscribe(t *testing.T) {
	ps, _ := dialRedis(t)
	all, cancel, err := ps.Subscribe("devlink/dev1/#")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish("devlink/dev1/status", []byte(`{"x":1}`)))
	require.NoError(t, ps.Publish("devlink/dev2/status", []byte(`{"x":2}`)))
	require.NoError(t, ps.Publish("devlink/dev1/from_device", []byte(`{"kind":"rpc_ok"}`)))

	got := receiveN(t, all, 2)
	assert.Equal(t, "devlink/dev1/status", got[0].Topic)
	assert.Equal(t, "devlink/dev1/from_device", got[1].Topic)
}

func TestRedisCancelAndClose(t *testing.T) {
	ps, m := dialRedis(t)

	first, cancelFirst, err := ps.Subscribe("devlink/dev1/status")
	require.NoError(t, err)
	second, _, err := ps.Subscribe("devlink/dev1/status")
	require.NoError(t, err)

	cancelFirst()
	cancelFirst()
	drained(t, first)

	require.NoError(t, ps.Publish("devlink/dev1/status", []byte("still-subscribed")))
	got := receiveN(t, second, 1)
	assert.Equal(t, "still-subscribed", string(got[0].Payload))

	require.NoError(t, ps.Close())
	drained(t, second)
	assert.ErrorIs(t, ps.Publish("devlink/dev1/status", []byte("late")), ErrClosed)
	_, _, err = ps.Subscribe("devlink/dev1/status")
	assert.ErrorIs(t, err, ErrClosed)

	require.Eventually(t, func() bool {
		return len(m.PubSubChannels("")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// drained waits for ch to be closed, discarding anything still buffered.
func drained(t *testing.T, ch <-chan Message) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
}
