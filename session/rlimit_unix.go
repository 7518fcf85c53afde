//go:build !windows

package session

import "golang.org/x/sys/unix"

// setNoFile raises the process's open-file soft limit to n, needed because
// each torrent can hold many simultaneously open file handles across its
// storage and peer connections.
func setNoFile(n int) error {
	if n <= 0 {
		return nil
	}
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	if rlimit.Cur >= uint64(n) {
		return nil
	}
	if rlimit.Max < uint64(n) {
		rlimit.Cur = rlimit.Max
	} else {
		rlimit.Cur = uint64(n)
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
