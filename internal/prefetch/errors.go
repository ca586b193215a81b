package prefetch

import "errors"

var (
	ErrNoURLs      = errors.New("no urls provided")
	ErrTooManyURLs = errors.New("too many urls")
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job already running")
	ErrNotRunning  = errors.New("job is not running")
	ErrBusy        = errors.New("too many running jobs")
)

func NewErrBadURL(raw string) error { return errors.New("unsupported url: " + raw) }
