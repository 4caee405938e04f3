package wsserver

import "github.com/rs/zerolog"

// Handlers is the callback surface a host program implements to react
// to server and per-connection events. A nil handler
// behaves as truthy for the two handlers with a bool result (accept /
// continue) and is simply skipped for the rest.
//
// A callback that panics is a programmer error in the host program, not
// a reason to take the whole server down: every call* dispatch below
// recovers and logs; a panicking ClientConnect or DataReceive counts as
// a false result (reject / disconnect), unlike a nil handler.
type Handlers struct {
	// ServerStart fires once the listener is bound and the event loop
	// is about to run.
	ServerStart func()
	// ServerStop fires after the event loop exits and the listener is
	// closed.
	ServerStop func()
	// ServerError fires for conditions that prevent the server from
	// doing useful work without being tied to one socket (e.g. calling
	// Run twice).
	ServerError func(message string)
	// SocketError fires when the listener itself can't be created
	// (bind failure, missing TLS certificate).
	SocketError func(code int, message string)
	// ClientConnect fires once a request passes validation. Returning
	// false rejects the connection with 400 and no further callback
	// fires for it.
	ClientConnect func(session *ClientSession, req *Request) bool
	// ClientDisconnect fires exactly once per session that was
	// accepted and has since disconnected.
	ClientDisconnect func(session *ClientSession)
	// DataReceive fires once per reassembled message. Returning false
	// disconnects the session.
	DataReceive func(session *ClientSession, payload []byte) bool
}

// recoverHandlerPanic logs a callback panic in place of letting it
// unwind out of the coordinator goroutine. Call it via defer at the
// top of every call* method.
func recoverHandlerPanic(logger zerolog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Str("handler", name).
			Msg("recovered panic in user callback; treating as falsy and continuing")
	}
}

func (h Handlers) callServerStart(logger zerolog.Logger) {
	if h.ServerStart == nil {
		return
	}
	defer recoverHandlerPanic(logger, "ServerStart")
	h.ServerStart()
}

func (h Handlers) callServerStop(logger zerolog.Logger) {
	if h.ServerStop == nil {
		return
	}
	defer recoverHandlerPanic(logger, "ServerStop")
	h.ServerStop()
}

func (h Handlers) callServerError(logger zerolog.Logger, message string) {
	if h.ServerError == nil {
		return
	}
	defer recoverHandlerPanic(logger, "ServerError")
	h.ServerError(message)
}

func (h Handlers) callSocketError(logger zerolog.Logger, code int, message string) {
	if h.SocketError == nil {
		return
	}
	defer recoverHandlerPanic(logger, "SocketError")
	h.SocketError(code, message)
}

// callClientConnect defaults accept to false: if ClientConnect panics,
// the deferred recover leaves accept at that zero value, so a panicking
// handler rejects the connection rather than silently accepting it.
func (h Handlers) callClientConnect(logger zerolog.Logger, session *ClientSession, req *Request) (accept bool) {
	if h.ClientConnect == nil {
		return true
	}
	defer recoverHandlerPanic(logger, "ClientConnect")
	accept = h.ClientConnect(session, req)
	return accept
}

func (h Handlers) callClientDisconnect(logger zerolog.Logger, session *ClientSession) {
	if h.ClientDisconnect == nil {
		return
	}
	defer recoverHandlerPanic(logger, "ClientDisconnect")
	h.ClientDisconnect(session)
}

// callDataReceive defaults keep to false: if DataReceive panics, the
// deferred recover leaves keep at that zero value, so a panicking
// handler disconnects the session rather than silently continuing it.
func (h Handlers) callDataReceive(logger zerolog.Logger, session *ClientSession, payload []byte) (keep bool) {
	if h.DataReceive == nil {
		return true
	}
	defer recoverHandlerPanic(logger, "DataReceive")
	keep = h.DataReceive(session, payload)
	return keep
}
