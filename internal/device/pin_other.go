//go:build !linux && !darwin && !freebsd

package device

import "errors"

var errPinUnsupported = errors.New("memory pinning is not supported on this platform")

func pin(b []byte) error {
	return errPinUnsupported
}

func unpin(b []byte) error {
	return nil
}
