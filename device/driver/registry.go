package driver

import (
	"sync"
)

// Well-known driver names.
const (
	// DriverCUDA is the native CUDA driver (requires cgo and the vendor
	// toolkit; registered by a separate build-tagged package).
	DriverCUDA = "cuda"

	// DriverSim is the in-memory simulated driver, always available.
	DriverSim = "sim"
)

// Factory creates a new driver instance.
type Factory func() Driver

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Factory)
	// Selection order for Default. A native accelerator driver always
	// beats the simulator.
	driverPriority = []string{DriverCUDA, DriverSim}
)

// Register makes a driver available under the given name, replacing any
// earlier registration. Driver packages call this from init(), so a
// blank import of the package is enough to enable it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	drivers[name] = factory
}

// Unregister removes a driver from the registry. Tests use it to make
// selection deterministic.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(drivers, name)
}

// Available returns the registered driver names, in no particular order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	return names
}

// IsRegistered reports whether a driver is registered under name.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := drivers[name]
	return ok
}

// Get instantiates the driver registered under name, or nil when no
// such driver exists.
func Get(name string) Driver {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := drivers[name]
	if !ok {
		return nil
	}
	return factory()
}

// Default picks the best registered driver: native hardware drivers
// first, then the simulator, then anything else that registered itself.
// Returns nil when the registry is empty.
func Default() Driver {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range driverPriority {
		if factory, ok := drivers[name]; ok {
			if d := factory(); d != nil {
				return d
			}
		}
	}

	// Drivers outside the priority list still count.
	for _, factory := range drivers {
		if d := factory(); d != nil {
			return d
		}
	}

	return nil
}
