//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package listener

import "errors"

func setReusePort(uintptr) error {
	return errors.New("SO_REUSEPORT is not supported on this platform")
}
