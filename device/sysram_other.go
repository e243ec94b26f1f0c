//go:build !linux

package device

// systemRAM returns total physical memory in bytes. Platforms without a
// probe report zero, which disables host-mapped fallback unless the
// caller sets Config.HostMapLimit.
func systemRAM() uint64 {
	return 0
}
