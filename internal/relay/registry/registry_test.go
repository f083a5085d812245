package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-sh/hermit/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []any
}

func (s *recordingSink) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestAgentRegistry_RegisterReplace(t *testing.T) {
	r := NewAgentRegistry()
	first := &recordingSink{}
	second := &recordingSink{}

	r.Register("m1", "box", "u1", first)
	r.Register("m1", "box", "u1", second)

	agent, ok := r.Get("m1")
	require.True(t, ok)
	assert.Same(t, second, agent.Sink.(*recordingSink), "second registration wins")

	require.True(t, r.Send("m1", "frame"))
	assert.Equal(t, 1, second.count())
	assert.Equal(t, 0, first.count())
}

func TestAgentRegistry_Unregister(t *testing.T) {
	r := NewAgentRegistry()
	sink := &recordingSink{}
	r.Register("m1", "box", "u1", sink)
	assert.True(t, r.IsOnline("m1"))

	r.Unregister("m1", sink)
	assert.False(t, r.IsOnline("m1"))
	assert.False(t, r.Send("m1", "frame"))
	_, ok := r.Get("m1")
	assert.False(t, ok)
}

func TestAgentRegistry_UnregisterStaleConnection(t *testing.T) {
	r := NewAgentRegistry()
	first := &recordingSink{}
	second := &recordingSink{}

	r.Register("m1", "box", "u1", first)
	r.Register("m1", "box", "u1", second)

	// The replaced connection's cleanup runs after the replacement took
	// over; the live registration must survive it.
	r.Unregister("m1", first)
	assert.True(t, r.IsOnline("m1"))

	r.Unregister("m1", second)
	assert.False(t, r.IsOnline("m1"))
}

func TestAgentRegistry_Sessions(t *testing.T) {
	r := NewAgentRegistry()
	r.Register("m1", "box", "u1", &recordingSink{})

	r.ReplaceSessions("m1", []protocol.SessionInfo{
		{ID: "s1", Name: "one"},
		{ID: "s2", Name: "two"},
	})
	assert.Equal(t, 2, r.SessionCount("m1"))

	r.AddSession("m1", protocol.SessionInfo{ID: "s3", Name: "three"})
	assert.Equal(t, 3, r.SessionCount("m1"))

	r.RemoveSession("m1", "s1")
	sessions := r.Sessions("m1")
	assert.Len(t, sessions, 2)
	ids := map[string]bool{}
	for _, s := range sessions {
		ids[s.ID] = true
	}
	assert.True(t, ids["s2"] && ids["s3"])

	// Offline machine: all session queries are empty no-ops.
	r.RemoveSession("m2", "s1")
	assert.Empty(t, r.Sessions("m2"))
	assert.Equal(t, 0, r.SessionCount("m2"))
}

func TestAgentRegistry_GetByUser(t *testing.T) {
	r := NewAgentRegistry()
	r.Register("m1", "a", "u1", &recordingSink{})
	r.Register("m2", "b", "u1", &recordingSink{})
	r.Register("m3", "c", "u2", &recordingSink{})

	assert.Len(t, r.GetByUser("u1"), 2)
	assert.Len(t, r.GetByUser("u2"), 1)
	assert.Empty(t, r.GetByUser("u3"))
}

func TestClientRegistry_Attachments(t *testing.T) {
	r := NewClientRegistry()
	r.Register("c1", "u1", &recordingSink{})
	r.Register("c2", "u1", &recordingSink{})
	r.Register("c3", "u2", &recordingSink{})

	r.Attach("c1", "s1", "m1")
	r.Attach("c2", "s1", "m1")
	r.Attach("c3", "s1", "m2") // same session id, different machine

	attached := r.AttachedClients("m1", "s1")
	assert.Len(t, attached, 2)

	machineID, ok := r.AttachedMachine("c1", "s1")
	require.True(t, ok)
	assert.Equal(t, "m1", machineID)

	_, ok = r.AttachedMachine("c1", "s2")
	assert.False(t, ok)

	r.Detach("c1", "s1")
	assert.Len(t, r.AttachedClients("m1", "s1"), 1)

	// Unregister removes all attachments implicitly.
	r.Unregister("c2")
	assert.Empty(t, r.AttachedClients("m1", "s1"))
}

func TestClientRegistry_GetByUser(t *testing.T) {
	r := NewClientRegistry()
	r.Register("c1", "u1", &recordingSink{})
	r.Register("c2", "u2", &recordingSink{})

	assert.Len(t, r.GetByUser("u1"), 1)
	assert.Empty(t, r.GetByUser("u3"))
}

func TestRegistriesConcurrentAccess(t *testing.T) {
	agents := NewAgentRegistry()
	clients := NewClientRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			machineID := fmt.Sprintf("m%d", n%4)
			clientID := fmt.Sprintf("c%d", n)
			sink := &recordingSink{}

			agents.Register(machineID, "box", "u1", sink)
			agents.ReplaceSessions(machineID, []protocol.SessionInfo{{ID: "s1"}})
			clients.Register(clientID, "u1", &recordingSink{})
			clients.Attach(clientID, "s1", machineID)
			agents.Sessions(machineID)
			clients.AttachedClients(machineID, "s1")
			clients.Detach(clientID, "s1")
			agents.Unregister(machineID, sink)
			clients.Unregister(clientID)
		}(i)
	}
	wg.Wait()
}
