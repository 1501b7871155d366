package services

import (
	"errors"

	"github.com/theblitlabs/taskfleet/internal/core/params"
	"github.com/theblitlabs/taskfleet/internal/database/repositories"
)

var (
	ErrInvalidParams       = params.ErrInvalidParams
	ErrInvalidDevice       = errors.New("invalid device")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrDispatchUnreachable = errors.New("device agent unreachable")
	ErrInvalidOutcome      = errors.New("invalid outcome")

	// ErrConcurrentTask never leaves the scheduler; it only skips a candidate.
	ErrConcurrentTask = repositories.ErrSlotBusy

	ErrDeviceNotFound  = repositories.ErrDeviceNotFound
	ErrTaskNotFound    = repositories.ErrTaskNotFound
	ErrDetailNotFound  = repositories.ErrDetailNotFound
	ErrTaskCancelled   = repositories.ErrTaskCancelled
	ErrDetailFinalized = repositories.ErrDetailFinalized
)
