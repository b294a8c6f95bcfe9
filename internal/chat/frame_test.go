package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFrameKind(t *testing.T) {
	assert.Equal(t, FrameSend, ClientFrame{Content: "hi"}.Kind(), "legacy {team_id, content} shape is a send")
	assert.Equal(t, FrameSubscribe, ClientFrame{Type: FrameSubscribe, TeamID: 1}.Kind())
	assert.Equal(t, FrameSend, ClientFrame{TeamID: 4}.Kind())
	assert.Equal(t, FrameType(""), ClientFrame{}.Kind())
}

func TestMessageFrameWireShape(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	msg := Message{ID: 9, TeamID: 1, UserID: 2, UserName: "alice", Content: "hi", CreatedAt: at}

	raw, err := json.Marshal(MessageFrame(msg))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "message", fields["type"])
	assert.EqualValues(t, 9, fields["message_id"])
	assert.EqualValues(t, 1, fields["team_id"])
	assert.EqualValues(t, 2, fields["user_id"])
	assert.Equal(t, "hi", fields["content"])
	assert.Equal(t, "2026-03-01T10:00:00.000000123Z", fields["created_at"])

	var back ServerFrame
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, msg, back.Message())
}

func TestErrorFrameOmitsMessageFields(t *testing.T) {
	raw, err := json.Marshal(ErrorFrame(string(KindValidation), "content must not be empty", 3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"validation","error":"content must not be empty","team_id":3}`, string(raw))
}
