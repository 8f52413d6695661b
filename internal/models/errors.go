package models

import "errors"

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	// ErrJobTerminal is returned when a transition is attempted on a job that
	// already completed or failed.
	ErrJobTerminal = errors.New("job already finished")
)
