package stor

import (
	"github.com/materials-commons/diode/pkg/diodedb"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrOffsetMismatch is returned when a range does not start where the transferable's
	// received bytes end.
	ErrOffsetMismatch = errors.New("range offset does not match bytes received")

	// ErrTransferableFinished is returned on any write to a transferable that reached a
	// terminal state.
	ErrTransferableFinished = errors.New("transferable is finished")

	// ErrNotPending is returned when a range or revocation was already moved out of PENDING.
	ErrNotPending = errors.New("not pending")
)

func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// isPermanent reports errors that a retry can't fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrOffsetMismatch) ||
		errors.Is(err, ErrTransferableFinished) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}

// WithTxRetry runs fn in a transaction, retrying up to diodedb.GetTxRetry() times on
// errors that may be transient such as deadlocks.
func WithTxRetry(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error

	for i := 0; i < diodedb.GetTxRetry(); i++ {
		err = db.Transaction(fn)
		if err == nil || isPermanent(err) {
			break
		}
	}

	return err
}
