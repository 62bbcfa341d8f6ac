//go:build !linux

package hx711

import "runtime"

func raisePriority() (restore func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}
