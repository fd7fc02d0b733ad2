package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireBookingBillingLock serializes billing transitions per booking across
// instances using MySQL advisory locks. Two concurrent pings for the same
// booking must not both observe the same pre-transition state.
// NOTE: GET_LOCK is connection-scoped. Callers acquire it on a pinned
// connection (gorm Connection) and run the billing transaction on that same
// connection, releasing only after COMMIT; releasing inside the transaction
// would drop the lock before the insert is visible to other sessions.
func AcquireBookingBillingLock(tx *gorm.DB, bookingId string) error {
	lockName := fmt.Sprintf("billing:%s", bookingId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire billing lock for booking_id=%s", bookingId)
	}
	return nil
}

func ReleaseBookingBillingLock(tx *gorm.DB, bookingId string) {
	lockName := fmt.Sprintf("billing:%s", bookingId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
