package lease

import "serialdispatch/internal/log"

func testLogger() *log.Logger {
	return log.NewLogger()
}
