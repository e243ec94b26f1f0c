//go:build linux

package device

import "golang.org/x/sys/unix"

// systemRAM returns total physical memory in bytes, or zero on failure.
func systemRAM() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
