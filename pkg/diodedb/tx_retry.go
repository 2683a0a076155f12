package diodedb

import (
	"os"
	"strconv"
	"sync"
)

var (
	txRetry     int
	txRetryOnce sync.Once
)

// GetTxRetry is the number of attempts made for a transaction, from DIODE_TX_RETRY. It is
// never less than 3.
func GetTxRetry() int {
	txRetryOnce.Do(func() {
		count, err := strconv.Atoi(os.Getenv("DIODE_TX_RETRY"))
		if err != nil || count < 3 {
			count = 3
		}
		txRetry = count
	})

	return txRetry
}
