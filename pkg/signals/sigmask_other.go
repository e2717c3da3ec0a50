//go:build !(linux && (amd64 || arm64 || ppc64le || riscv64 || s390x || loong64))

package signals

import (
	"fmt"
	"syscall"
)

// Unblock only checks the range where the thread signal mask is not
// exposed. The Go runtime does not leave delivered signals blocked.
func Unblock(sig syscall.Signal) error {
	if sig <= 0 || sig > MaxSignal {
		return fmt.Errorf("signal %d out of range", int(sig))
	}
	return nil
}
