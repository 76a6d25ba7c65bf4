package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStartFailed matches every *StartFailedError.
var ErrStartFailed = errors.New("process: start failed")

// StartFailedError reports a daemon that exited inside the grace window.
type StartFailedError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *StartFailedError) Error() string {
	msg := fmt.Sprintf("process %s exited during startup (exit %d)", e.Name, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Is makes errors.Is(err, ErrStartFailed) true.
func (e *StartFailedError) Is(target error) bool {
	return target == ErrStartFailed
}
