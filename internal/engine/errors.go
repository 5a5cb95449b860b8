package engine

import "errors"

// Typed failures surfaced by ledger and registry operations. The transport
// layer maps these onto status codes; nothing in here assumes a particular
// external representation.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrInsufficientFunds      = errors.New("insufficient credits")
	ErrInvalidBounty          = errors.New("bounty must be a positive amount")
	ErrJobNotFound            = errors.New("job not found")
	ErrJobNotAvailable        = errors.New("job not available")
	ErrJobNotInProgress       = errors.New("job not in progress")
	ErrJobNotVerifying        = errors.New("job not awaiting approval")
	ErrUnauthorizedWorker     = errors.New("worker not assigned to this job")
	ErrUnauthorizedResearcher = errors.New("caller is not the job researcher")
	ErrStaleHeartbeat         = errors.New("heartbeat timestamp not monotonic")
)
