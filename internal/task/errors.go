package task

import "errors"

var (
	ErrIllegalState = errors.New("task already running")
	ErrNoCycle      = errors.New("task has no cycle function")
)
