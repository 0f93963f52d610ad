package retake

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("retake: no store configured")
	ErrStoreCorrupt    = errors.New("retake: persisted record is corrupt")
	ErrMigrationFailed = errors.New("retake: migration failed")

	// Not found errors.
	ErrSummaryNotFound = errors.New("retake: summary not found")
	ErrNoActiveJob     = errors.New("retake: no active job")

	// Probe errors.
	ErrNoTrigger       = errors.New("retake: no trigger probe configured")
	ErrNoSource        = errors.New("retake: no source probe configured")
	ErrLocatorNotFound = errors.New("retake: action or input control not found")
	ErrNoProgress      = errors.New("retake: no progress signal available")

	// State errors.
	ErrSessionActive     = errors.New("retake: session already active")
	ErrInvalidOutcome    = errors.New("retake: invalid session outcome")
	ErrRetryNotGranted   = errors.New("retake: retry not permitted by a failure event")
	ErrCooldownActive    = errors.New("retake: cooldown still active")
	ErrIdentityAmbiguous = errors.New("retake: ambiguous navigation")
)
