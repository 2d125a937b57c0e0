// Package pipeline implements the ordered request-processing chain every
// dispatched message passes through. Stages are named, inspectable, and
// may short-circuit with their own response; the chain is driven by an
// explicit index rather than nested closures, so insertion and removal
// stay cheap and the call depth stays proportional to the stage count.
package pipeline

import (
	"sync"
	"time"

	"github.com/agentport/host/internal/protocol"
)

// Client is the connection-layer view a stage may inspect.
type Client interface {
	// ConnectionID identifies the underlying connection.
	ConnectionID() string
	// SessionID is empty until the client authenticates.
	SessionID() string
}

// Context carries one in-flight request through the stages. State is a
// scratch space for inter-stage communication; it lives only for the
// duration of this request.
type Context struct {
	Request   *protocol.Request
	Client    Client
	State     map[string]any
	StartedAt time.Time
}

// NextFunc advances to the following stage. A nil response means the
// chain was exhausted without a terminal handler.
type NextFunc func() *protocol.Response

// Stage processes a request. It may inspect or mutate ctx.State, call
// next and post-process its result, or skip next entirely to
// short-circuit with its own response.
type Stage func(ctx *Context, next NextFunc) *protocol.Response

type namedStage struct {
	name string
	fn   Stage
}

// Pipeline is an ordered list of named stages. Safe for concurrent use;
// Execute runs against a snapshot, so concurrent mutation never tears a
// request mid-chain.
type Pipeline struct {
	mu     sync.RWMutex
	stages []namedStage
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use appends a named stage.
func (p *Pipeline) Use(name string, fn Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, namedStage{name: name, fn: fn})
}

// UseBefore inserts a stage before target, appending when target is
// missing.
func (p *Pipeline) UseBefore(target, name string, fn Stage) {
	p.insert(target, name, fn, 0)
}

// UseAfter inserts a stage after target, appending when target is
// missing.
func (p *Pipeline) UseAfter(target, name string, fn Stage) {
	p.insert(target, name, fn, 1)
}

func (p *Pipeline) insert(target, name string, fn Stage, offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.stages {
		if s.name == target {
			at := i + offset
			p.stages = append(p.stages, namedStage{})
			copy(p.stages[at+1:], p.stages[at:])
			p.stages[at] = namedStage{name: name, fn: fn}
			return
		}
	}
	p.stages = append(p.stages, namedStage{name: name, fn: fn})
}

// Remove deletes a stage by name, reporting whether it was present.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.stages {
		if s.name == name {
			p.stages = append(p.stages[:i:i], p.stages[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether a stage with the given name exists.
func (p *Pipeline) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range p.stages {
		if s.name == name {
			return true
		}
	}
	return false
}

// StageNames returns the stage names in execution order.
func (p *Pipeline) StageNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Execute runs the request through the stages. The result is nil when
// no stage produced a response; callers are expected to register a
// terminal dispatch stage.
func (p *Pipeline) Execute(req *protocol.Request, client Client) *protocol.Response {
	p.mu.RLock()
	stages := make([]namedStage, len(p.stages))
	copy(stages, p.stages)
	p.mu.RUnlock()

	ctx := &Context{
		Request:   req,
		Client:    client,
		State:     make(map[string]any),
		StartedAt: time.Now(),
	}

	idx := 0
	var next NextFunc
	next = func() *protocol.Response {
		if idx >= len(stages) {
			return nil
		}
		stage := stages[idx]
		idx++
		return stage.fn(ctx, next)
	}
	return next()
}
