package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentFrame_Register(t *testing.T) {
	frame, err := ParseAgentFrame([]byte(`{"type":"register","machineName":"dev-box","token":"hmt_abc"}`))
	require.NoError(t, err)

	reg, ok := frame.(*AgentRegister)
	require.True(t, ok)
	assert.Equal(t, "dev-box", reg.MachineName)
	assert.Equal(t, "hmt_abc", reg.Token)
	assert.Empty(t, reg.MachineID)
}

func TestParseAgentFrame_RegisterWithCachedID(t *testing.T) {
	frame, err := ParseAgentFrame([]byte(`{"type":"register","machineName":"dev-box","machineId":"m1","token":"hmt_abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", frame.(*AgentRegister).MachineID)
}

func TestParseAgentFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"no type", `{"machineName":"x"}`},
		{"unknown type", `{"type":"bogus"}`},
		{"register missing token", `{"type":"register","machineName":"x"}`},
		{"data missing sessionId", `{"type":"data","data":"aGk="}`},
		{"sessions missing array", `{"type":"sessions"}`},
		{"session_ended missing id", `{"type":"session_ended"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAgentFrame([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestParseRelayFrame_AttachReplayDefaults(t *testing.T) {
	frame, err := ParseRelayFrame([]byte(`{"type":"attach","sessionId":"s1","clientId":"c1"}`))
	require.NoError(t, err)

	attach := frame.(*RelayAttach)
	assert.Nil(t, attach.RequestReplay, "unset requestReplay must stay nil so the default (replay) applies")

	frame, err = ParseRelayFrame([]byte(`{"type":"attach","sessionId":"s1","clientId":"c1","requestReplay":false}`))
	require.NoError(t, err)
	attach = frame.(*RelayAttach)
	require.NotNil(t, attach.RequestReplay)
	assert.False(t, *attach.RequestReplay)
}

func TestParseRelayFrame_Resize(t *testing.T) {
	frame, err := ParseRelayFrame([]byte(`{"type":"resize","sessionId":"s1","cols":120,"rows":40}`))
	require.NoError(t, err)

	resize := frame.(*RelayResize)
	assert.Equal(t, 120, resize.Cols)
	assert.Equal(t, 40, resize.Rows)

	_, err = ParseRelayFrame([]byte(`{"type":"resize","sessionId":"s1","cols":0,"rows":40}`))
	assert.Error(t, err)
}

func TestParseClientFrame(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{"type":"attach","machineId":"m1","sessionId":"s1"}`))
	require.NoError(t, err)

	attach := frame.(*ClientAttach)
	assert.Equal(t, "m1", attach.MachineID)
	assert.Equal(t, "s1", attach.SessionID)

	_, err = ParseClientFrame([]byte(`{"type":"attach","machineId":"m1"}`))
	assert.Error(t, err)

	_, err = ParseClientFrame([]byte(`{"type":"auth"}`))
	assert.Error(t, err)
}

func TestErrorFrameRoundTrip(t *testing.T) {
	raw, err := json.Marshal(ErrorFrame(CodeNotAuthenticated, "Not authenticated"))
	require.NoError(t, err)

	var decoded ClientError
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded.Type)
	assert.Equal(t, CodeNotAuthenticated, decoded.Code)
}
