package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestValid(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"editor.getActiveFile","params":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "editor.getActiveFile", req.Method)
	assert.Equal(t, float64(1), req.ID)
	assert.JSONEq(t, `{"a":1}`, string(req.Params))
}

func TestParseRequestStringID(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":"abc","method":"fs.readFile"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", req.ID)
}

func TestParseRequestNotificationShape(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"state.ping"}`))
	require.NoError(t, err)
	assert.Nil(t, req.ID)
}

func TestParseRequestMalformed(t *testing.T) {
	_, err := ParseRequest([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedJSON)
}

func TestParseRequestInvalidShape(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing jsonrpc", `{"id":1,"method":"a.b"}`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"a.b"}`},
		{"missing method", `{"jsonrpc":"2.0","id":1}`},
		{"bool id", `{"jsonrpc":"2.0","id":true,"method":"a.b"}`},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"a.b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSplitMethod(t *testing.T) {
	cat, sub := SplitMethod("editor.getActiveFile")
	assert.Equal(t, "editor", cat)
	assert.Equal(t, "getActiveFile", sub)

	cat, sub = SplitMethod("ping")
	assert.Equal(t, "ping", cat)
	assert.Equal(t, "", sub)

	cat, sub = SplitMethod("fs.path.read")
	assert.Equal(t, "fs", cat)
	assert.Equal(t, "path.read", sub)
}

func TestErrorResponseMarshal(t *testing.T) {
	resp := NewErrorResponse(float64(3), NewError(CodeUnauthorized, "Not authenticated"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"error":{"code":-32000,"message":"Not authenticated"}}`, string(data))
}

func TestErrorResponseNullID(t *testing.T) {
	resp := NewErrorResponse(nil, NewError(CodeParseError, "Parse error"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(data))
}

func TestNotificationHasNoID(t *testing.T) {
	n := NewNotification("auth.challenge", map[string]string{"nonce": "abc"})
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}
