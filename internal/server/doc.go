// Package server implements the WebSocket control server that exposes a
// running IDE/agent host to remote automation clients.
//
// # Architecture
//
//   - Server: owns the HTTP listener, the client table, and the wiring
//     between auth, pairing, the event bus, and the dispatcher
//   - Client: one record per connection, with read/write pumps and a
//     buffered send queue
//   - Pipeline: every dispatched request passes through the middleware
//     chain (auth gate, permission gate, rate limit, logging, dispatch)
//
// # Protocol
//
// Clients speak JSON-RPC 2.0 over a WebSocket text channel:
//
//	{"jsonrpc":"2.0","id":1,"method":"editor.getActiveFile","params":{...}}
//
// On connect the server pushes an auth.challenge notification carrying a
// single-use nonce. The client echoes the nonce with its token in an
// auth.authenticate request; the reply carries the session id used for
// the rest of the connection's lifetime. auth.authenticate is the only
// method handled outside the pipeline.
//
// Messages begin dispatch in arrival order but complete independently;
// responses are correlated strictly by request id, never by send order.
//
// # Pairing
//
// Device pairing runs over the same protocol: the local user requests a
// 6-digit code (POST /pair/code), the client submits it via
// pair.initiate together with its ephemeral public key, and after local
// approval (POST /pair/approve) it receives a long-lived token encrypted
// under the X25519-derived shared secret.
package server
