// Package dispatch routes "category.method" requests to registered
// category handlers and is the single boundary where handler failures
// are translated into protocol errors.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/agentport/host/internal/logger"
	"github.com/agentport/host/internal/pipeline"
	"github.com/agentport/host/internal/protocol"
	"github.com/agentport/host/internal/registry"
)

// handlerPrefix namespaces category handlers inside the registry.
const handlerPrefix = "handler."

// HandlerFunc implements one method of a category.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Handler exposes a category's methods by name. Operation-handler
// packages implement this; the dispatcher owns no method semantics.
type Handler interface {
	Method(name string) (HandlerFunc, bool)
}

// MethodMap is a ready-made Handler for plain method tables.
type MethodMap map[string]HandlerFunc

// Method implements Handler.
func (m MethodMap) Method(name string) (HandlerFunc, bool) {
	fn, ok := m[name]
	return fn, ok
}

// Dispatcher resolves category handlers through the service registry.
type Dispatcher struct {
	registry *registry.Registry
}

// New creates a dispatcher backed by the given registry.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// RegisterHandler registers a category handler. Duplicate categories
// fail.
func (d *Dispatcher) RegisterHandler(category string, h Handler) error {
	return d.registry.RegisterInstance(handlerPrefix+category, h)
}

// Dispatch invokes the handler for the request's method and converts
// any failure into a protocol error response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	category, sub := protocol.SplitMethod(req.Method)

	resolved, err := d.registry.Resolve(handlerPrefix + category)
	if err != nil {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeMethodNotFound, "Method not found: "+req.Method))
	}
	handler, ok := resolved.(Handler)
	if !ok {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeMethodNotFound, "Method not found: "+req.Method))
	}

	fn, ok := handler.Method(sub)
	if !ok {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeMethodNotFound, "Unknown method: "+req.Method))
	}

	result, err := d.invoke(ctx, fn, req)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, toProtocolError(req.Method, err))
	}
	return protocol.NewResponse(req.ID, result)
}

// Stage returns the terminal pipeline stage that hands requests to the
// dispatcher.
func (d *Dispatcher) Stage() pipeline.Stage {
	return func(ctx *pipeline.Context, next pipeline.NextFunc) *protocol.Response {
		return d.Dispatch(context.Background(), ctx.Request)
	}
}

// invoke runs a handler with panic recovery, so a crashing handler
// yields an internal error instead of taking the connection down.
func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, req *protocol.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler for %s panicked: %v\n%s", req.Method, r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, req.Params)
}

// toProtocolError maps a handler failure onto the closed error-code
// set. Structured protocol errors pass through unchanged; anything else
// becomes an internal error carrying the failure message. Stack traces
// stay in the server log and never cross the network boundary.
func toProtocolError(method string, err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	logger.Error("Handler for %s failed: %v", method, err)
	return protocol.NewErrorWithData(protocol.CodeInternalError, "Internal error",
		map[string]string{"message": err.Error()})
}
