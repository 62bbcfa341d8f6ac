//go:build linux

package hx711

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// exchangeNice is the niceness requested for the bit exchange. Lowering it
// needs CAP_SYS_NICE; without it the call fails and the exchange runs at the
// normal priority.
const exchangeNice = -20

// raisePriority pins the goroutine to its OS thread and lowers the thread's
// niceness. The returned func undoes both.
func raisePriority() (restore func(), err error) {
	runtime.LockOSThread()
	tid := unix.Gettid()
	// The raw syscall reports 20 - nice.
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	prev := 20 - prio
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, exchangeNice); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return func() {
		_ = unix.Setpriority(unix.PRIO_PROCESS, tid, prev)
		runtime.UnlockOSThread()
	}, nil
}
