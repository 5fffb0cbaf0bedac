package recovery

import (
	"runtime/debug"

	"github.com/tetherhq/tether/internal/logger"
)

// SafeGo runs a function in a goroutine with panic recovery so a single
// session's pump can never take down the whole server.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine %q: %v", name, r)
				logger.Debugf("stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithCleanup is SafeGo with a cleanup function that runs whether or
// not the body panicked.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine %q: %v", name, r)
				logger.Debugf("stack trace:\n%s", debug.Stack())
			}
			if cleanup != nil {
				cleanup()
			}
		}()
		fn()
	}()
}
