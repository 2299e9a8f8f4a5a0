package linkapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Assembler-Devlink/internal/core/network"
	"Assembler-Devlink/internal/envelope"
	"Assembler-Devlink/internal/link"
)

var creds = network.Credentials{DeviceID: "dev1", Broker: "memory", Secret: "s"}

func newTestMux(t *testing.T, c network.Credentials) (*http.ServeMux, *link.Session, *network.MemoryPubSub) {
	t.Helper()
	bus := network.NewMemoryPubSub()
	t.Cleanup(func() { _ = bus.Close() })
	logger := slog.New(slog.DiscardHandler)
	s := link.NewSession(bus.Dialer(), c,
		link.WithLogger(logger),
		link.WithSettleDelay(5*time.Millisecond),
		link.WithDefaultTimeout(500*time.Millisecond),
	)
	t.Cleanup(func() { _ = s.Close() })
	mux := http.NewServeMux()
	NewServer(s, logger).Register(mux)
	return mux, s, bus
}

func topic(channel string) string {
	return network.Topic(link.DefaultNamespace, creds.DeviceID, channel)
}

// ackDevice replies rpc_ok with the request label to every command.
func ackDevice(t *testing.T, bus *network.MemoryPubSub) {
	t.Helper()
	msgs, cancel, err := bus.Subscribe(topic("from_clients"))
	require.NoError(t, err)
	t.Cleanup(cancel)
	go func() {
		for msg := range msgs {
			var req map[string]any
			if json.Unmarshal(msg.Payload, &req) != nil {
				continue
			}
			b, _ := json.Marshal(map[string]any{
				"kind": envelope.KindRPCOk,
				"args": map[string]any{"label": envelope.ReadAck(req).Label},
			})
			_ = bus.Publish(topic("from_device"), b)
		}
	}()
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSendFlow(t *testing.T) {
	mux, _, bus := newTestMux(t, creds)
	ackDevice(t, bus)

	rec := do(mux, http.MethodPost, "/api/link/send", `{"command":{"kind":"wait","args":{"milliseconds":10}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Result link.Result `json:"result"`
		Error  string      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, link.OutcomeMatched, out.Result.Outcome)
	assert.Empty(t, out.Error)
	assert.NotEmpty(t, out.Result.Label)

	rec = do(mux, http.MethodGet, "/api/link/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"from_device"`)
	assert.Contains(t, rec.Body.String(), `"STOPPED"`)

	var state struct {
		ChannelStates map[string]string `json:"channel_states"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "STOPPED", state.ChannelStates["from_device"])

	rec = do(mux, http.MethodGet, "/api/link/messages/from_device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), envelope.KindRPCOk)
}

func TestListenTimeoutReportsError(t *testing.T) {
	mux, _, _ := newTestMux(t, creds)

	rec := do(mux, http.MethodPost, "/api/link/listen", `{"channel":"status","timeout_ms":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"timed_out"`)
	assert.Contains(t, rec.Body.String(), link.ErrTimeout.Error())
}

func TestRequestValidation(t *testing.T) {
	mux, _, _ := newTestMux(t, creds)

	rec := do(mux, http.MethodGet, "/api/link/send", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(mux, http.MethodPost, "/api/link/send", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodPost, "/api/link/send", `{"command":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodOptions, "/api/link/listen", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(mux, http.MethodGet, "/api/link/messages/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingCredentials(t *testing.T) {
	mux, _, _ := newTestMux(t, network.Credentials{})

	rec := do(mux, http.MethodPost, "/api/link/status", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), link.ErrNoCredentials.Error())
}

func TestWatchWebsocket(t *testing.T) {
	mux, s, bus := newTestMux(t, creds)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/watch?channel=status&path=pos&diff_only=true"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.State() == link.StateWaiting }, time.Second, time.Millisecond)
	for _, z := range []int{1, 1, 2} {
		b, _ := json.Marshal(map[string]any{"pos": map[string]any{"z": z}})
		require.NoError(t, bus.Publish(topic("status"), b))
	}

	type frame struct {
		Type   string      `json:"type"`
		Update link.Update `json:"update"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second frame
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "update", first.Type)
	assert.Equal(t, map[string]any{"z": float64(1)}, first.Update.Value)
	assert.Equal(t, map[string]any{"z": float64(2)}, second.Update.Value, "unchanged payload is skipped")
}
