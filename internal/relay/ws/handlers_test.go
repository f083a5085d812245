package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-sh/hermit/internal/auth"
	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/protocol"
	"github.com/hermit-sh/hermit/internal/relay/registry"
	"github.com/hermit-sh/hermit/internal/users"
)

type fakeMachines struct {
	byID map[string]*machines.Machine
}

func (f *fakeMachines) FindByID(_ context.Context, id string) (*machines.Machine, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, machines.ErrMachineNotFound
}

func (f *fakeMachines) FindByUser(_ context.Context, userID string) ([]machines.Machine, error) {
	var out []machines.Machine
	for _, m := range f.byID {
		if m.UserID == userID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeMachines) FindAll(_ context.Context) ([]machines.Machine, error) {
	var out []machines.Machine
	for _, m := range f.byID {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeMachines) UpdateLastSeen(_ context.Context, _ string) error { return nil }

type fakeUsers struct {
	byID map[string]users.UserInfo
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (users.UserInfo, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return users.UserInfo{}, users.ErrUserNotFound
}

type testRelay struct {
	server   *httptest.Server
	authCfg  auth.Config
	machines *fakeMachines
	users    *fakeUsers
	agents   *registry.AgentRegistry
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	agents := registry.NewAgentRegistry()
	clients := registry.NewClientRegistry()
	machineStore := &fakeMachines{byID: make(map[string]*machines.Machine)}
	userStore := &fakeUsers{byID: make(map[string]users.UserInfo)}
	authCfg := auth.Config{Secret: "test-secret"}

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", &AgentHandler{
		Agents:   agents,
		Clients:  clients,
		Machines: machineStore,
	})
	mux.Handle("/ws/client", &ClientHandler{
		Agents:   agents,
		Clients:  clients,
		Machines: machineStore,
		Users:    userStore,
		Auth:     authCfg,
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testRelay{server: server, authCfg: authCfg, machines: machineStore, users: userStore, agents: agents}
}

func (tr *testRelay) addUser(t *testing.T, email string) users.UserInfo {
	t.Helper()
	user := users.UserInfo{ID: uuid.NewString(), Email: email}
	tr.users.byID[user.ID] = user
	return user
}

func (tr *testRelay) addMachine(t *testing.T, userID, name string) (*machines.Machine, string) {
	t.Helper()
	token, err := auth.GenerateMachineToken()
	require.NoError(t, err)
	hash, err := auth.HashMachineToken(token)
	require.NoError(t, err)
	machine := &machines.Machine{ID: uuid.NewString(), UserID: userID, Name: name, TokenHash: hash}
	tr.machines.byID[machine.ID] = machine
	return machine, token
}

func (tr *testRelay) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(tr.server.URL, "http://", "ws://", 1) + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntilType reads frames until one with the wanted type arrives,
// skipping pings and unrelated broadcasts.
func readUntilType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
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

func sendJSON(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func (tr *testRelay) dialAgent(t *testing.T, machineID, token string) *websocket.Conn {
	t.Helper()
	ws := tr.dial(t, "/ws/agent")
	sendJSON(t, ws, protocol.AgentRegister{Type: "register", MachineName: "test", MachineID: machineID, Token: token})
	frame := readUntilType(t, ws, "registered")
	require.Equal(t, true, frame["success"])
	readUntilType(t, ws, "list_sessions")
	return ws
}

func (tr *testRelay) dialClient(t *testing.T, user users.UserInfo) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateAccessToken(tr.authCfg, user.ID, user.Email)
	require.NoError(t, err)
	ws := tr.dial(t, "/ws/client")
	sendJSON(t, ws, protocol.ClientAuth{Type: "auth", Token: token})
	frame := readUntilType(t, ws, "authenticated")
	require.Equal(t, user.Email, frame["user"].(map[string]any)["email"])
	return ws
}

func TestAgentRegister_FastPath(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	ws := relay.dial(t, "/ws/agent")
	sendJSON(t, ws, protocol.AgentRegister{Type: "register", MachineName: "laptop", MachineID: machine.ID, Token: token})

	frame := readUntilType(t, ws, "registered")
	assert.Equal(t, true, frame["success"])
	assert.Equal(t, machine.ID, frame["machineId"])

	// Registration is immediately followed by a session list request.
	readUntilType(t, ws, "list_sessions")
}

func TestAgentRegister_ScanWithoutCachedID(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	ws := relay.dial(t, "/ws/agent")
	sendJSON(t, ws, protocol.AgentRegister{Type: "register", MachineName: "laptop", Token: token})

	frame := readUntilType(t, ws, "registered")
	assert.Equal(t, true, frame["success"])
	assert.Equal(t, machine.ID, frame["machineId"], "scan must recover the machine id")
}

func TestAgentRegister_StaleCachedIDFallsThrough(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	// A second machine makes the scan actually discriminate by hash.
	relay.addMachine(t, user.ID, "desktop")

	ws := relay.dial(t, "/ws/agent")
	sendJSON(t, ws, protocol.AgentRegister{Type: "register", MachineName: "laptop", MachineID: "not-a-machine", Token: token})

	frame := readUntilType(t, ws, "registered")
	assert.Equal(t, true, frame["success"])
	assert.Equal(t, machine.ID, frame["machineId"])
}

func TestAgentRegister_InvalidToken(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	relay.addMachine(t, user.ID, "laptop")

	ws := relay.dial(t, "/ws/agent")
	sendJSON(t, ws, protocol.AgentRegister{Type: "register", MachineName: "laptop", Token: "hmt_wrong"})

	frame := readUntilType(t, ws, "registered")
	assert.Equal(t, false, frame["success"])
	assert.NotEmpty(t, frame["error"])
}

func TestAgent_FrameBeforeRegister(t *testing.T) {
	relay := newTestRelay(t)

	ws := relay.dial(t, "/ws/agent")
	sendJSON(t, ws, protocol.AgentData{Type: "data", SessionID: "1", Data: "aGk="})

	frame := readUntilType(t, ws, "error")
	assert.Equal(t, protocol.CodeNotAuthenticated, frame["code"])
}

func TestClientAuth_BadToken(t *testing.T) {
	relay := newTestRelay(t)

	ws := relay.dial(t, "/ws/client")
	sendJSON(t, ws, protocol.ClientAuth{Type: "auth", Token: "garbage"})

	frame := readUntilType(t, ws, "error")
	assert.Equal(t, protocol.CodeInvalidToken, frame["code"])
}

func TestClientAuth_RefreshTokenRejected(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	refresh, err := auth.GenerateRefreshToken(relay.authCfg, user.ID)
	require.NoError(t, err)

	ws := relay.dial(t, "/ws/client")
	sendJSON(t, ws, protocol.ClientAuth{Type: "auth", Token: refresh})

	frame := readUntilType(t, ws, "error")
	assert.Equal(t, protocol.CodeInvalidToken, frame["code"])
}

func TestClient_FrameBeforeAuth(t *testing.T) {
	relay := newTestRelay(t)

	ws := relay.dial(t, "/ws/client")
	sendJSON(t, ws, protocol.ClientListMachines{Type: "list_machines"})

	frame := readUntilType(t, ws, "error")
	assert.Equal(t, protocol.CodeNotAuthenticated, frame["code"])
}

func TestClient_ListMachinesOnlineStatus(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	online, token := relay.addMachine(t, user.ID, "laptop")
	offline, _ := relay.addMachine(t, user.ID, "desktop")

	relay.dialAgent(t, online.ID, token)

	client := relay.dialClient(t, user)
	sendJSON(t, client, protocol.ClientListMachines{Type: "list_machines"})
	frame := readUntilType(t, client, "machines")

	listed := frame["machines"].([]any)
	require.Len(t, listed, 2)
	status := make(map[string]bool)
	for _, raw := range listed {
		m := raw.(map[string]any)
		status[m["id"].(string)] = m["online"].(bool)
	}
	assert.True(t, status[online.ID])
	assert.False(t, status[offline.ID])
}

func TestClient_ListSessionsForeignMachine(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.addUser(t, "alice@example.com")
	bob := relay.addUser(t, "bob@example.com")
	machine, _ := relay.addMachine(t, bob.ID, "bobs-laptop")

	client := relay.dialClient(t, alice)
	sendJSON(t, client, protocol.ClientListSessions{Type: "list_sessions", MachineID: machine.ID})

	frame := readUntilType(t, client, "error")
	assert.Equal(t, protocol.CodeMachineNotFound, frame["code"])
}

func TestClient_AttachOfflineMachine(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, _ := relay.addMachine(t, user.ID, "laptop")

	client := relay.dialClient(t, user)
	sendJSON(t, client, protocol.ClientAttach{Type: "attach", MachineID: machine.ID, SessionID: "1"})

	frame := readUntilType(t, client, "error")
	assert.Equal(t, protocol.CodeMachineNotFound, frame["code"])
}

func TestDataFanOut(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	agent := relay.dialAgent(t, machine.ID, token)

	first := relay.dialClient(t, user)
	second := relay.dialClient(t, user)
	watcher := relay.dialClient(t, user)

	for _, client := range []*websocket.Conn{first, second} {
		sendJSON(t, client, protocol.ClientAttach{Type: "attach", MachineID: machine.ID, SessionID: "1"})
		readUntilType(t, client, "attached")
	}

	// Agent sees an attach per client; both must arrive before data flows.
	readUntilType(t, agent, "attach")
	readUntilType(t, agent, "attach")

	sendJSON(t, agent, protocol.AgentData{Type: "data", SessionID: "1", Data: "aGVsbG8="})

	for _, client := range []*websocket.Conn{first, second} {
		frame := readUntilType(t, client, "data")
		assert.Equal(t, "1", frame["sessionId"])
		assert.Equal(t, "aGVsbG8=", frame["data"])
	}

	// The unattached client must see the session broadcasts but never the
	// data. Probe with a frame that sorts after data on the same socket.
	sendJSON(t, watcher, protocol.ClientListMachines{Type: "list_machines"})
	frame := readUntilType(t, watcher, "machines")
	assert.NotNil(t, frame)
}

func TestKeystrokesReachAgentOnlyWhenAttached(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	agent := relay.dialAgent(t, machine.ID, token)
	client := relay.dialClient(t, user)

	// Unattached input and resize are dropped at the relay.
	sendJSON(t, client, protocol.ClientData{Type: "data", SessionID: "1", Data: "bHM="})
	sendJSON(t, client, protocol.ClientResize{Type: "resize", SessionID: "1", Cols: 80, Rows: 24})

	sendJSON(t, client, protocol.ClientAttach{Type: "attach", MachineID: machine.ID, SessionID: "1"})
	readUntilType(t, client, "attached")

	// The first frame the agent sees must be the attach; the dropped input
	// would have arrived before it had it been forwarded.
	frame := readUntilType(t, agent, "attach")
	assert.Equal(t, "1", frame["sessionId"])

	sendJSON(t, client, protocol.ClientData{Type: "data", SessionID: "1", Data: "bHM="})
	frame = readUntilType(t, agent, "data")
	assert.Equal(t, "bHM=", frame["data"])
}

func TestDetachStopsDelivery(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	agent := relay.dialAgent(t, machine.ID, token)
	client := relay.dialClient(t, user)

	sendJSON(t, client, protocol.ClientAttach{Type: "attach", MachineID: machine.ID, SessionID: "1"})
	readUntilType(t, client, "attached")
	readUntilType(t, agent, "attach")

	sendJSON(t, client, protocol.ClientDetach{Type: "detach", SessionID: "1"})
	readUntilType(t, client, "detached")

	// Output sent after the detach must not reach the client. A session
	// broadcast ordered after it on the same socket proves the drop.
	sendJSON(t, agent, protocol.AgentData{Type: "data", SessionID: "1", Data: "bGF0ZQ=="})
	sendJSON(t, agent, protocol.AgentSessionEnded{Type: "session_ended", SessionID: "1"})

	frame := readUntilType(t, client, "session_ended")
	assert.Equal(t, "1", frame["sessionId"])
}

func TestMachineOnlineOfflineBroadcast(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	client := relay.dialClient(t, user)
	agent := relay.dialAgent(t, machine.ID, token)

	frame := readUntilType(t, client, "machine_online")
	assert.Equal(t, machine.ID, frame["machine"].(map[string]any)["id"])

	agent.Close()

	frame = readUntilType(t, client, "machine_offline")
	assert.Equal(t, machine.ID, frame["machineId"])
}

func TestAgentReplacedConnectionStaysOnline(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	first := relay.dialAgent(t, machine.ID, token)
	relay.dialAgent(t, machine.ID, token)
	client := relay.dialClient(t, user)

	// Closing the replaced socket runs its cleanup; the replacement's
	// registration must survive it.
	first.Close()
	assert.Never(t, func() bool { return !relay.agents.IsOnline(machine.ID) },
		500*time.Millisecond, 25*time.Millisecond)

	// No offline broadcast may go out either. The machines reply sorts after
	// a stray broadcast on the same socket, so reading it raw proves absence.
	sendJSON(t, client, protocol.ClientListMachines{Type: "list_machines"})
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "machines", frame["type"])

	listed := frame["machines"].([]any)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].(map[string]any)["online"].(bool))
}

func TestAgentReconnectResumesAttachedSessions(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	agent := relay.dialAgent(t, machine.ID, token)
	client := relay.dialClient(t, user)

	sendJSON(t, client, protocol.ClientAttach{Type: "attach", MachineID: machine.ID, SessionID: "3"})
	readUntilType(t, client, "attached")
	readUntilType(t, agent, "attach")

	agent.Close()
	readUntilType(t, client, "machine_offline")

	// New agent connection for the same machine reports its sessions and
	// gets told to resume streaming, without replay.
	agent2 := relay.dialAgent(t, machine.ID, token)
	sendJSON(t, agent2, protocol.AgentSessions{Type: "sessions", Sessions: []protocol.SessionInfo{
		{ID: "3", Name: "work", Command: "tmux", CreatedAt: "2026-01-01T00:00:00Z"},
	}})

	frame := readUntilType(t, agent2, "attach")
	assert.Equal(t, "3", frame["sessionId"])
	assert.Equal(t, false, frame["requestReplay"])
}

func TestSessionStartedBroadcast(t *testing.T) {
	relay := newTestRelay(t)
	user := relay.addUser(t, "alice@example.com")
	machine, token := relay.addMachine(t, user.ID, "laptop")

	agent := relay.dialAgent(t, machine.ID, token)
	client := relay.dialClient(t, user)

	sendJSON(t, client, protocol.ClientCreateSession{Type: "create_session", MachineID: machine.ID, Name: "build"})
	frame := readUntilType(t, agent, "start_session")
	assert.Equal(t, "build", frame["name"])

	sendJSON(t, agent, protocol.AgentSessionStarted{Type: "session_started", Session: protocol.SessionInfo{
		ID: "7", Name: "build", Command: "tmux", CreatedAt: "2026-01-01T00:00:00Z",
	}})

	frame = readUntilType(t, client, "session_started")
	assert.Equal(t, machine.ID, frame["machineId"])
	assert.Equal(t, "7", frame["session"].(map[string]any)["id"])
}
