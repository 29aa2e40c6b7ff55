package grros

import (
	"os"
	"os/signal"
	"syscall"
)

// The OsInterruptError is used when the client is interrupted by SIGINT or SIGTERM
type OsInterruptError struct {
	Signal os.Signal
}

func (e *OsInterruptError) Error() string { return "interrupted by OS signal: " + e.Signal.String() }

func (e *OsInterruptError) Unwrap() error { return nil }

// OsShutdownChan delivers the signals that should stop the client
func OsShutdownChan() <-chan os.Signal {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	return signalChan
}
