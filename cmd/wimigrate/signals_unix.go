//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

var (
	pauseSignal  os.Signal = unix.SIGUSR1
	resumeSignal os.Signal = unix.SIGUSR2
)
