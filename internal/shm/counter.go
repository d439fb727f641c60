package shm

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
)

const counterSize = 4

// Counter is a named int32 in its own shared memory object.
type Counter struct {
	name  string
	owner bool
	m     *mapping
	v     *int32
}

// CreateCounter creates (or replaces) the counter name, zeroed.
func CreateCounter(ns Namespace, name string) (*Counter, error) {
	m, err := createObject(ns.ShmPath(name), counterSize, nil)
	if err != nil {
		return nil, err
	}
	return &Counter{name: name, owner: true, m: m, v: (*int32)(unsafe.Pointer(&m.mem[0]))}, nil
}

// OpenCounter opens an existing counter.
func OpenCounter(ns Namespace, name string) (*Counter, error) {
	m, err := openObject(ns.ShmPath(name), counterSize)
	if err != nil {
		return nil, err
	}
	return &Counter{name: name, m: m, v: (*int32)(unsafe.Pointer(&m.mem[0]))}, nil
}

func (c *Counter) Name() string          { return c.name }
func (c *Counter) Load() int32           { return atomic.LoadInt32(c.v) }
func (c *Counter) Store(v int32)         { atomic.StoreInt32(c.v, v) }
func (c *Counter) Add(delta int32) int32 { return atomic.AddInt32(c.v, delta) }

// Close unmaps the counter. The owner also unlinks it.
func (c *Counter) Close() error {
	err := c.m.unmap()
	if c.owner {
		err = multierr.Append(err, unlink(c.m.path))
	}
	return err
}
