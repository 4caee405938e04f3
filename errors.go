package wsserver

import "errors"

// ErrAlreadyRunning is reported via ServerError, and returned from Run,
// when Run is called on a server that is already running.
var ErrAlreadyRunning = errors.New("websocket server is already running")
