//go:build linux

package kvmengine

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func signalNotify(ch chan<- os.Signal, sig os.Signal) {
	signal.Notify(ch, sig)
}

func unix_gettid() int {
	return unix.Gettid()
}

func unix_tgkill(tid int32, sig os.Signal) {
	s, ok := sig.(unix.Signal)
	if !ok {
		return
	}
	unix.Tgkill(unix.Getpid(), int(tid), s)
}
