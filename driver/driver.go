// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package driver defines a set of interfaces encompassing
// common GPU functionality, including hardware ray tracing.
// It is designed to allow platform-specific APIs to be
// implemented in a mostly straightforward manner.
package driver

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/log"
)

// Driver is the interface that provides methods for
// loading and unloading an underlying implementation.
// Each registered Driver has a distinct name.
type Driver interface {
	// Open initializes the driver.
	// If it succeeds, further calls with the same receiver
	// have no effect and must return the same GPU instance.
	// Callers should assume that Open is not safe for
	// parallel execution.
	Open() (GPU, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be opened.
	Name() string

	// Close deinitializes the driver.
	// Closing a driver that is not open has no effect.
	// Callers should assume that Close is not safe for
	// parallel execution.
	Close()
}

// Errors that drivers return, possibly wrapped.
// They can be tested with errors.Is.
var (
	// A library that the driver needs is not present
	// in the system.
	ErrNotInstalled = errors.New("driver: missing required library")
	// No suitable device could be found.
	ErrNoDevice = errors.New("driver: no suitable device found")
	// Host memory could not be allocated.
	ErrNoHostMemory = errors.New("driver: out of host memory")
	// Device memory could not be allocated.
	ErrNoDeviceMemory = errors.New("driver: out of device memory")
)

// ErrNoRaytracing means that the GPU does not implement
// the Raytracer interface.
var ErrNoRaytracing = errors.New("driver: ray tracing not supported")

// ErrDeviceRemoved means that the device was removed or
// reset (e.g., a driver crash or a TDR). Every object
// created from the GPU is invalid. Unlike ErrFatal, the
// application is expected to recover by closing the
// driver and opening it again.
var ErrDeviceRemoved = errors.New("driver: device removed")

// ErrFatal means that the driver is in an unrecoverable
// state. Upon encountering such an error, the application
// must destroy everything that it created using the
// driver's GPU and then call the Close method. It may call
// Open again to reinitialize the driver for further use.
var ErrFatal = errors.New("driver: fatal error")

var logger = log.New("driver")

// Drivers returns the registered Drivers, in
// registration order.
// Client code imports driver packages for their side
// effects; drivers register themselves from init.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	return append([]Driver(nil), drivers...)
}

// Match returns the registered Drivers whose names
// contain name, ignoring case.
// An empty name matches every driver.
func Match(name string) []Driver {
	name = strings.ToLower(name)
	mu.Lock()
	defer mu.Unlock()
	var drv []Driver
	for _, d := range drivers {
		if strings.Contains(strings.ToLower(d.Name()), name) {
			drv = append(drv, d)
		}
	}
	return drv
}

// Register registers a Driver.
// A driver registered with the name of another replaces
// it, keeping its position.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	name := drv.Name()
	for i := range drivers {
		if drivers[i].Name() == name {
			drivers[i] = drv
			logger.Warningf("driver '%s' replaced", name)
			return
		}
	}
	drivers = append(drivers, drv)
	logger.Debugf("driver '%s' registered", name)
}

var (
	mu      sync.Mutex
	drivers []Driver
)
