//go:build !unix && !windows

package lockfile

import "os"

// No advisory locking on this platform; runs are single-process here.
func flockExclusive(*os.File) error { return nil }

func flockUnlock(*os.File) error { return nil }
