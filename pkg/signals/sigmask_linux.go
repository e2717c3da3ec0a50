//go:build linux && (amd64 || arm64 || ppc64le || riscv64 || s390x || loong64)

package signals

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Unblock removes sig from the calling thread's signal mask.
func Unblock(sig syscall.Signal) error {
	if sig <= 0 || sig > MaxSignal {
		return fmt.Errorf("signal %d out of range", int(sig))
	}
	var set unix.Sigset_t
	bit := uint(sig) - 1
	set.Val[bit/64] |= 1 << (bit % 64)
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
}
