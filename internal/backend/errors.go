package backend

import "errors"

// ErrUnhealthy is returned by GetConn when the backend is marked
// unhealthy or the saint-mode trouble list has this target blacklisted.
var ErrUnhealthy = errors.New("backend: unhealthy")

// ErrMaxConn is returned by GetConn when the backend's max_conn cap
// has been reached and no idle connection is available.
var ErrMaxConn = errors.New("backend: max connections reached")
