//go:build !unix

package main

import "os"

// Pause and resume are only available through signals on Unix.
var (
	pauseSignal  os.Signal
	resumeSignal os.Signal
)
