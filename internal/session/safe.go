package session

import "fmt"

// runSafely executes fn and converts panics into returned errors tagged with
// scope, so one document's failure never takes the process down.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	return fn()
}
