package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentport/host/internal/config"
	"github.com/agentport/host/internal/protocol"
)

type fakeClient struct {
	connID    string
	sessionID string
}

func (c *fakeClient) ConnectionID() string { return c.connID }
func (c *fakeClient) SessionID() string    { return c.sessionID }

type fakeSessions struct {
	authenticated map[string]bool
	rateOK        bool
	rateCalls     int
}

func (f *fakeSessions) IsAuthenticated(sid string) bool { return f.authenticated[sid] }
func (f *fakeSessions) CheckRateLimit(sid string) bool {
	f.rateCalls++
	return f.rateOK
}

func testRequest(method string, id any) *protocol.Request {
	return &protocol.Request{JSONRPC: protocol.Version, ID: id, Method: method}
}

func markerStage(name string, log *[]string) Stage {
	return func(ctx *Context, next NextFunc) *protocol.Response {
		*log = append(*log, name+"-before")
		resp := next()
		*log = append(*log, name+"-after")
		return resp
	}
}

func terminalStage(result any) Stage {
	return func(ctx *Context, next NextFunc) *protocol.Response {
		return protocol.NewResponse(ctx.Request.ID, result)
	}
}

func TestStrictlyNestedOrdering(t *testing.T) {
	p := New()

	var log []string
	for i := 1; i <= 3; i++ {
		p.Use(fmt.Sprintf("stage%d", i), markerStage(fmt.Sprintf("stage%d", i), &log))
	}
	p.Use("handler", func(ctx *Context, next NextFunc) *protocol.Response {
		log = append(log, "handler")
		return protocol.NewResponse(ctx.Request.ID, "ok")
	})

	resp := p.Execute(testRequest("a.b", float64(1)), &fakeClient{})
	require.NotNil(t, resp)

	assert.Equal(t, []string{
		"stage1-before", "stage2-before", "stage3-before",
		"handler",
		"stage3-after", "stage2-after", "stage1-after",
	}, log)
}

func TestShortCircuit(t *testing.T) {
	p := New()

	reached := false
	p.Use("gate", func(ctx *Context, next NextFunc) *protocol.Response {
		return protocol.NewErrorResponse(ctx.Request.ID, protocol.ErrNotAuthenticated)
	})
	p.Use("handler", func(ctx *Context, next NextFunc) *protocol.Response {
		reached = true
		return nil
	})

	resp := p.Execute(testRequest("a.b", float64(1)), &fakeClient{})
	require.NotNil(t, resp)
	assert.Equal(t, protocol.CodeUnauthorized, resp.Error.Code)
	assert.False(t, reached)
}

func TestExhaustedPipelineYieldsNil(t *testing.T) {
	p := New()

	var log []string
	p.Use("s1", markerStage("s1", &log))

	resp := p.Execute(testRequest("a.b", float64(1)), &fakeClient{})
	assert.Nil(t, resp)
	assert.Equal(t, []string{"s1-before", "s1-after"}, log)
}

func TestEmptyPipeline(t *testing.T) {
	p := New()
	assert.Nil(t, p.Execute(testRequest("a.b", nil), &fakeClient{}))
}

func TestInsertionAndRemoval(t *testing.T) {
	p := New()

	p.Use("b", terminalStage(nil))
	p.UseBefore("b", "a", terminalStage(nil))
	p.UseAfter("b", "c", terminalStage(nil))
	p.UseBefore("missing", "d", terminalStage(nil))

	assert.Equal(t, []string{"a", "b", "c", "d"}, p.StageNames())
	assert.True(t, p.Has("b"))

	assert.True(t, p.Remove("b"))
	assert.False(t, p.Remove("b"))
	assert.Equal(t, []string{"a", "c", "d"}, p.StageNames())
	assert.False(t, p.Has("b"))
}

func TestStateSharedBetweenStages(t *testing.T) {
	p := New()

	p.Use("writer", func(ctx *Context, next NextFunc) *protocol.Response {
		ctx.State["traceID"] = "t-123"
		return next()
	})
	p.Use("reader", func(ctx *Context, next NextFunc) *protocol.Response {
		return protocol.NewResponse(ctx.Request.ID, ctx.State["traceID"])
	})

	resp := p.Execute(testRequest("a.b", float64(7)), &fakeClient{})
	require.NotNil(t, resp)
	assert.Equal(t, "t-123", resp.Result)
}

func TestAuthGateBlocksUnauthenticated(t *testing.T) {
	sessions := &fakeSessions{authenticated: map[string]bool{}}

	p := New()
	p.Use(StageAuthGate, AuthGate(sessions, []string{"auth.authenticate"}))
	p.Use(StageDispatch, terminalStage("ok"))

	resp := p.Execute(testRequest("editor.getActiveFile", float64(1)), &fakeClient{})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnauthorized, resp.Error.Code)
	assert.Equal(t, "Not authenticated", resp.Error.Message)
}

func TestAuthGateAllowList(t *testing.T) {
	sessions := &fakeSessions{authenticated: map[string]bool{}}

	p := New()
	p.Use(StageAuthGate, AuthGate(sessions, []string{"pair.initiate"}))
	p.Use(StageDispatch, terminalStage("ok"))

	resp := p.Execute(testRequest("pair.initiate", float64(1)), &fakeClient{})
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestAuthGatePassesAuthenticated(t *testing.T) {
	sessions := &fakeSessions{authenticated: map[string]bool{"sess-1": true}}

	p := New()
	p.Use(StageAuthGate, AuthGate(sessions, nil))
	p.Use(StageDispatch, terminalStage("ok"))

	resp := p.Execute(testRequest("editor.getActiveFile", float64(1)), &fakeClient{sessionID: "sess-1"})
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestPermissionGate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Permissions.AllowedCategories = []string{"editor"}

	p := New()
	p.Use(StagePermissions, PermissionGate(cfg))
	p.Use(StageDispatch, terminalStage("ok"))

	resp := p.Execute(testRequest("editor.getActiveFile", float64(1)), &fakeClient{})
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)

	resp = p.Execute(testRequest("command.run", float64(2)), &fakeClient{})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeFeatureDisabled, resp.Error.Code)
}

func TestRateLimitStage(t *testing.T) {
	sessions := &fakeSessions{rateOK: false}

	p := New()
	p.Use(StageRateLimit, RateLimit(sessions))
	p.Use(StageDispatch, terminalStage("ok"))

	resp := p.Execute(testRequest("editor.getActiveFile", float64(1)), &fakeClient{sessionID: "sess-1"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeRateLimited, resp.Error.Code)

	// No session yet: the rate-limit stage defers to the auth gate.
	resp = p.Execute(testRequest("pair.initiate", float64(2)), &fakeClient{})
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestRemovingRateLimitStageDisablesIt(t *testing.T) {
	sessions := &fakeSessions{rateOK: false}

	p := New()
	p.Use(StageRateLimit, RateLimit(sessions))
	p.Use(StageDispatch, terminalStage("ok"))

	require.True(t, p.Remove(StageRateLimit))
	assert.NotContains(t, p.StageNames(), StageRateLimit)

	// Burst traffic: rate-limiting logic is never invoked.
	for i := 0; i < 50; i++ {
		resp := p.Execute(testRequest("editor.getActiveFile", float64(i)), &fakeClient{sessionID: "s"})
		require.NotNil(t, resp)
		assert.Nil(t, resp.Error)
	}
	assert.Equal(t, 0, sessions.rateCalls)
}
