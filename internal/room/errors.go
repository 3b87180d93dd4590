package room

import "errors"

var (
	// ErrSessionNotFound is returned when a session identifier is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSourceNotFound is returned when a source identifier is unknown.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSessionNotJoinable is returned when joining a session that has ended.
	ErrSessionNotJoinable = errors.New("session is not joinable")
	// ErrSourceNotAvailable is returned when a selection names a source that is
	// not currently connected.
	ErrSourceNotAvailable = errors.New("source is not available")
	// ErrSessionEnded is returned for lifecycle transitions on an ended session.
	ErrSessionEnded = errors.New("session already ended")
	// ErrSourceInOtherSession is returned when a join names a source ID that is
	// registered in a different session.
	ErrSourceInOtherSession = errors.New("source is registered in another session")
)
