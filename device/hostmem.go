package device

// hostMapReserve is left to the OS and other applications when pinned
// host memory is capped from total RAM.
const hostMapReserve = 4 << 30

// hostMapLimit derives the pinned host memory cap from total system RAM.
// Machines with plenty of RAM give up a fixed reserve; smaller machines
// cap at half. A zero total disables host-mapped fallback.
func hostMapLimit(totalRAM uint64) uint64 {
	if totalRAM == 0 {
		return 0
	}
	if totalRAM/2 > hostMapReserve {
		return totalRAM - hostMapReserve
	}
	return totalRAM / 2
}
