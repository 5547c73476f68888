package drover

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("drover: no store configured")
	ErrStoreClosed = errors.New("drover: store closed")

	// Not found errors.
	ErrJobNotFound = errors.New("drover: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("drover: job already exists")
	ErrDuplicateWorker  = errors.New("drover: worker already registered")

	// Configuration errors. These are fatal at boot.
	ErrUnknownQueueKind = errors.New("drover: unknown queue kind")
	ErrUnknownMode      = errors.New("drover: unknown workers mode")
	ErrMissingURI       = errors.New("drover: queue uri is required")
)
