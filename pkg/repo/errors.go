package repo

import "errors"

// Sentinel errors returned by Store implementations. Callers use
// errors.Is to distinguish not-found and duplicate conditions from
// backend failures.
var (
	// ErrSnapshotNotFound is returned when a snapshot does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrDuplicateSnapshot is returned when a snapshot with the same
	// storage key already exists.
	ErrDuplicateSnapshot = errors.New("snapshot already exists")

	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job with the same idempotency
	// key already exists.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrEventNotFound is returned when a disaster event does not exist.
	ErrEventNotFound = errors.New("disaster event not found")

	// ErrDuplicateEvent is returned when a disaster event with the same
	// ID already exists.
	ErrDuplicateEvent = errors.New("disaster event already exists")

	// ErrPolicyNotFound is returned when a retention policy does not exist.
	ErrPolicyNotFound = errors.New("retention policy not found")

	// ErrDuplicatePolicy is returned when a retention policy with the
	// same name already exists.
	ErrDuplicatePolicy = errors.New("retention policy already exists")

	// ErrReportNotFound is returned when a recovery report does not exist.
	ErrReportNotFound = errors.New("recovery report not found")

	// ErrDuplicateReport is returned when a recovery report with the
	// same ID already exists.
	ErrDuplicateReport = errors.New("recovery report already exists")
)
