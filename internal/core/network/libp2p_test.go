package network

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialPeer(t *testing.T, creds Credentials, private bool) *Libp2pPubSub {
	t.Helper()
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	conn, err := DialLibp2p(Libp2pOptions{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		PrivateNetwork: private,
	})(context.Background(), creds)
	require.NoError(t, err)
	p := conn.(*Libp2pPubSub)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestLibp2pDeliversToOwnSubscriber(t *testing.T) {
	p := dialPeer(t, Credentials{DeviceID: "dev1", Broker: "local", Secret: "s"}, false)
	require.NotEmpty(t, p.ListenAddrs())
	assert.Contains(t, p.ListenAddrs()[0], "/p2p/")

	msgs, cancel, err := p.Subscribe("devlink/dev1/status")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, p.Publish("devlink/dev1/status", []byte(`{"z":1}`)))
	got := receiveN(t, msgs, 1)
	assert.Equal(t, "devlink/dev1/status", got[0].Topic)
	assert.Equal(t, `{"z":1}`, string(got[0].Payload))
}

func TestLibp2pBrokerAddrBootstraps(t *testing.T) {
	device := dialPeer(t, Credentials{DeviceID: "dev1", Broker: "local", Secret: "s"}, false)
	client := dialPeer(t, Credentials{DeviceID: "dev1", Broker: device.ListenAddrs()[0], Secret: "s"}, false)
	require.Len(t, client.ConnectedPeers(), 1)

	msgs, cancel, err := device.Subscribe("devlink/dev1/from_clients")
	require.NoError(t, err)
	defer cancel()

	// The client learns of the subscription asynchronously, so keep
	// publishing until one copy lands.
	require.Eventually(t, func() bool {
		if err := client.Publish("devlink/dev1/from_clients", []byte("hello")); err != nil {
			return false
		}
		select {
		case m := <-msgs:
			return string(m.Payload) == "hello"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}

func TestLibp2pPrivateNetworkNeedsDeviceSecret(t *testing.T) {
	creds := Credentials{DeviceID: "dev1", Broker: "local", Secret: "s"}
	device := dialPeer(t, creds, true)
	addr := device.ListenAddrs()[0]

	member := dialPeer(t, Credentials{DeviceID: "dev1", Broker: addr, Secret: "s"}, true)
	assert.Len(t, member.ConnectedPeers(), 1)

	outsider := dialPeer(t, Credentials{DeviceID: "dev1", Broker: addr, Secret: "other"}, true)
	assert.Empty(t, outsider.ConnectedPeers())
}

func TestLibp2pClose(t *testing.T) {
	p := dialPeer(t, Credentials{DeviceID: "dev1", Broker: "local", Secret: "s"}, false)
	msgs, cancel, err := p.Subscribe("devlink/dev1/status")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	drained(t, msgs)
	cancel()

	assert.ErrorIs(t, p.Publish("devlink/dev1/status", nil), ErrClosed)
	_, _, err = p.Subscribe("devlink/dev1/status")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIdentityKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "peer.key")
	first, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}

func TestDevicePSK(t *testing.T) {
	a := devicePSK(Credentials{DeviceID: "dev1", Secret: "s"})
	assert.Len(t, a, 32)
	assert.Equal(t, a, devicePSK(Credentials{DeviceID: "dev1", Secret: "s"}))
	assert.NotEqual(t, a, devicePSK(Credentials{DeviceID: "dev1", Secret: "t"}))
}
