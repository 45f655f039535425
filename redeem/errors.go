// CLAUDE:SUMMARY Sentinel errors for the redeem service: unknown job/profile, invalid input, job already running.
package redeem

import "errors"

// ErrJobNotFound is returned when no job has the requested ID.
var ErrJobNotFound = errors.New("redeem: job not found")

// ErrProfileNotFound is returned when a job names an unknown profile.
var ErrProfileNotFound = errors.New("redeem: profile not found")

// ErrInvalidInput is returned when request parameters fail validation.
var ErrInvalidInput = errors.New("redeem: invalid input")

// ErrNoCodes is returned when a code list holds no usable code.
var ErrNoCodes = errors.New("redeem: no codes supplied")

// ErrJobRunning is returned for operations that need the job to be idle.
var ErrJobRunning = errors.New("redeem: job is running")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("redeem: service closed")
