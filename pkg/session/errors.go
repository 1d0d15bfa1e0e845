package session

import "errors"

// ErrNotRunning is returned by Handler.Send when the session has not
// finished negotiating (or has already terminated).
var ErrNotRunning = errors.New("session: not running")
