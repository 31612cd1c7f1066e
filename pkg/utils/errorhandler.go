package utils

import (
	"fmt"
	"runtime"
)

// WrapError annotates an error with the caller's position so log
// entries point at the mailpin call site rather than the library.
func WrapError(err error) error {
	_, file, line, _ := runtime.Caller(1)
	return fmt.Errorf("error at %s:%d: %v", file, line, err)
}
