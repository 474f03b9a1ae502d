// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package soft implements driver interfaces on the CPU.
// It executes command buffers asynchronously and checks
// the usage constraints that hardware drivers assume to
// hold, which makes it suitable for testing code that
// records ray tracing work.
package soft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/internal/pagemap"
	"github.com/gviegas/raytrace/log"
)

const driverName = "soft"

// Maximum number of pending Commit calls.
const queueLen = 16

var logger = log.New("soft")

// ErrValidation means that recorded commands or the data
// that they consume violate a usage constraint.
var ErrValidation = errors.New("soft: validation failed")

// validationf returns an error that wraps ErrValidation.
func validationf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// Driver implements driver.Driver, driver.GPU and
// driver.Raytracer.
type Driver struct {
	mu      sync.Mutex
	open    bool
	mem     *pagemap.Map[any]
	plines  map[uint32]*rtPipeline
	nextPL  uint32
	used    int64
	maxMem  int64
	removed string
	stats   Stats
	last    DispatchInfo

	// qmu guards queue against Close.
	qmu     sync.RWMutex
	queue   chan job
	qclosed bool
	done    chan struct{}
}

type job struct {
	wk *driver.WorkItem
	ch chan<- *driver.WorkItem
}

// Stats counts the work executed by the driver since it
// was last opened.
type Stats struct {
	Commits    int
	Builds     int
	Updates    int
	Dispatches int
}

func init() {
	driver.Register(&Driver{})
}

// Open initializes the driver.
func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return d, nil
	}
	d.mem = pagemap.New[any](0)
	d.plines = make(map[uint32]*rtPipeline)
	d.nextPL = 0
	d.used = 0
	d.removed = ""
	d.stats = Stats{}
	d.last = DispatchInfo{}
	d.qmu.Lock()
	d.queue = make(chan job, queueLen)
	d.qclosed = false
	d.done = make(chan struct{})
	go d.run(d.queue, d.done)
	d.qmu.Unlock()
	d.open = true
	logger.Infof("opened (page size %d)", pagemap.PageSize)
	return d, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return driverName }

// Close deinitializes the driver.
// It waits for pending work to complete.
func (d *Driver) Close() {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return
	}
	d.open = false
	d.mu.Unlock()

	d.qmu.Lock()
	close(d.queue)
	d.qclosed = true
	d.qmu.Unlock()
	<-d.done

	d.mu.Lock()
	d.mem = nil
	d.plines = nil
	d.mu.Unlock()
	logger.Info("closed")
}

// Driver returns d.
func (d *Driver) Driver() driver.Driver { return d }

// Limits returns the implementation limits.
func (d *Driver) Limits() driver.Limits { return limits }

var limits = driver.Limits{
	MaxImage2D:        16384,
	MaxLayers:         2048,
	DescSize:          32,
	MaxDescriptors:    1 << 20,
	ShaderIDSize:      32,
	ShaderRecordAlign: 32,
	ShaderTableAlign:  64,
	MaxRecordStride:   4096,
	ASAlign:           256,
	MaxInstances:      1 << 24,
	MaxRecursion:      31,
	MaxDispatchRays:   [3]int{1 << 15, 1 << 15, 1 << 10},
}

// SetMemoryLimit limits the amount of memory that the
// driver allocates for buffers and images.
// A value less than 1 removes the limit.
// The limit persists across Open/Close calls.
func (d *Driver) SetMemoryLimit(n int64) {
	d.mu.Lock()
	d.maxMem = n
	d.mu.Unlock()
}

// Remove simulates the removal of the device.
// Every Commit call that follows fails with
// driver.ErrDeviceRemoved, as does work that is yet to
// execute. The driver must be closed and opened again
// to recover.
func (d *Driver) Remove(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reason == "" {
		reason = "unknown"
	}
	d.removed = reason
	logger.Warningf("device removed: %s", reason)
}

// Removed returns the reason given to Remove, or the
// empty string if the device was not removed.
func (d *Driver) Removed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Stats returns the work counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// MemoryUsage returns the number of bytes currently
// allocated for buffers and images.
func (d *Driver) MemoryUsage() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// checkAlive must be called with d.mu held.
func (d *Driver) checkAlive() error {
	switch {
	case !d.open:
		return errors.Wrap(driver.ErrFatal, "soft: driver not open")
	case d.removed != "":
		return driver.ErrDeviceRemoved
	}
	return nil
}

// alloc reserves memory and address space for obj.
// It must be called with d.mu held.
func (d *Driver) alloc(size int64, obj any) (driver.Addr, error) {
	if err := d.checkAlive(); err != nil {
		return 0, err
	}
	if d.maxMem > 0 && d.used+size > d.maxMem {
		return 0, driver.ErrNoDeviceMemory
	}
	addr, err := d.mem.Alloc(size, obj)
	if err != nil {
		return 0, errors.Wrapf(driver.ErrNoDeviceMemory, "soft: %v", err)
	}
	d.used += size
	return driver.Addr(addr), nil
}

// free releases memory reserved by alloc.
// It must be called with d.mu held.
func (d *Driver) free(addr driver.Addr, size int64) {
	if d.mem == nil {
		return
	}
	if d.mem.Free(uint64(addr)) {
		d.used -= size
	}
}

// lookup must be called with d.mu held.
func (d *Driver) lookup(addr driver.Addr) (obj any, off int64, ok bool) {
	if d.mem == nil {
		return
	}
	return d.mem.Lookup(uint64(addr))
}

// Commit commits a batch of command buffers for
// execution.
func (d *Driver) Commit(wk *driver.WorkItem, ch chan<- *driver.WorkItem) error {
	d.mu.Lock()
	if err := d.checkAlive(); err != nil {
		d.mu.Unlock()
		return err
	}
	for i, x := range wk.Work {
		cb, ok := x.(*cmdBuffer)
		switch {
		case !ok || cb.d != d:
			d.mu.Unlock()
			return errors.Newf("soft: Commit: command buffer %d not created by this driver", i)
		case cb.state != cbEnded:
			d.mu.Unlock()
			return errors.Newf("soft: Commit: command buffer %d not ended", i)
		}
	}
	d.qmu.RLock()
	defer d.qmu.RUnlock()
	if d.qclosed {
		d.mu.Unlock()
		return errors.Wrap(driver.ErrFatal, "soft: driver not open")
	}
	for _, x := range wk.Work {
		x.(*cmdBuffer).state = cbCommitted
	}
	d.stats.Commits++
	d.mu.Unlock()
	d.queue <- job{wk, ch}
	return nil
}

// run executes committed work in order.
func (d *Driver) run(queue <-chan job, done chan<- struct{}) {
	defer close(done)
	for j := range queue {
		j.wk.Err = d.execute(j.wk.Work)
		if j.wk.Err != nil {
			logger.Debugf("work failed: %v", j.wk.Err)
		}
		d.mu.Lock()
		for _, x := range j.wk.Work {
			x.(*cmdBuffer).state = cbIdle
		}
		d.mu.Unlock()
		j.ch <- j.wk
	}
}
