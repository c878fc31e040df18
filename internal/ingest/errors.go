package ingest

import "errors"

var (
	// ErrConfiguration means a collector cannot run with the settings it was
	// given, typically a missing credential. The orchestrator skips such sources.
	ErrConfiguration = errors.New("configuration error")

	// ErrFetch wraps transport failures and non-2xx responses.
	ErrFetch = errors.New("fetch error")

	// ErrParse marks a payload or record that could not be interpreted.
	ErrParse = errors.New("parse error")
)
