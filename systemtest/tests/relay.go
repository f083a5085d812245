package tests

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-sh/hermit/internal/api/http/dto"
	"github.com/hermit-sh/hermit/internal/protocol"
)

// TestRelayEndToEnd exercises the full path: machine enrolled over REST, an
// agent socket registered with the issued token, and a client socket
// streaming through the relay.
func TestRelayEndToEnd(t *testing.T, router *gin.Engine) {
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	wsBase := strings.Replace(server.URL, "http://", "ws://", 1)

	tokens := loginUser(t, router, "relay@example.com")

	rr := doJSONWithAuth(router, "POST", "/api/machines", dto.CreateMachineRequest{Name: "relay-box"}, tokens.AccessToken)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created dto.CreateMachineResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	// Agent connects with the enrollment token and no cached machine id,
	// forcing the credential scan against the real bcrypt hashes.
	agent, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close() })

	require.NoError(t, agent.WriteJSON(protocol.AgentRegister{
		Type: "register", MachineName: "relay-box", Token: created.Token,
	}))
	frame := readWSFrame(t, agent, "registered")
	require.Equal(t, true, frame["success"])
	assert.Equal(t, created.Machine.ID, frame["machineId"])

	readWSFrame(t, agent, "list_sessions")
	require.NoError(t, agent.WriteJSON(protocol.AgentSessions{Type: "sessions", Sessions: []protocol.SessionInfo{
		{ID: "1", Name: "work", Command: "tmux", CreatedAt: "2026-01-01T00:00:00Z"},
	}}))

	// Client authenticates and discovers the machine.
	client, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/client", nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.WriteJSON(protocol.ClientAuth{Type: "auth", Token: tokens.AccessToken}))
	readWSFrame(t, client, "authenticated")

	require.NoError(t, client.WriteJSON(protocol.ClientListMachines{Type: "list_machines"}))
	frame = readWSFrame(t, client, "machines")
	listed := frame["machines"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, true, listed[0].(map[string]any)["online"])

	require.NoError(t, client.WriteJSON(protocol.ClientListSessions{Type: "list_sessions", MachineID: created.Machine.ID}))
	frame = readWSFrame(t, client, "sessions")
	sessions := frame["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "work", sessions[0].(map[string]any)["name"])

	// Attach and stream both directions.
	require.NoError(t, client.WriteJSON(protocol.ClientAttach{Type: "attach", MachineID: created.Machine.ID, SessionID: "1"}))
	readWSFrame(t, client, "attached")

	frame = readWSFrame(t, agent, "attach")
	assert.Equal(t, "1", frame["sessionId"])

	require.NoError(t, agent.WriteJSON(protocol.AgentSessionReplay{Type: "session_replay", SessionID: "1", Data: "c2Nyb2xsYmFjaw==", LineCount: 1000}))
	frame = readWSFrame(t, client, "session_replay")
	assert.Equal(t, "c2Nyb2xsYmFjaw==", frame["data"])

	require.NoError(t, agent.WriteJSON(protocol.AgentData{Type: "data", SessionID: "1", Data: "b3V0cHV0"}))
	frame = readWSFrame(t, client, "data")
	assert.Equal(t, "b3V0cHV0", frame["data"])

	require.NoError(t, client.WriteJSON(protocol.ClientData{Type: "data", SessionID: "1", Data: "bHMK"}))
	frame = readWSFrame(t, agent, "data")
	assert.Equal(t, "bHMK", frame["data"])
}

func readWSFrame(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for frame type %q", want)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == want {
			return frame
		}
	}
}
