package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultDir is the directory backing POSIX shared memory on Linux.
const DefaultDir = "/dev/shm"

// Perm is the mode of every named object; it is part of the contract with
// independently started processes.
const Perm os.FileMode = 0o666

var (
	// ErrNotExist is returned when an attached process opens a missing object.
	ErrNotExist = errors.New("shm: named object does not exist")
	// ErrNotOwner is returned by owner-only operations on an attached object.
	ErrNotOwner = errors.New("shm: operation requires the owner process")
	// ErrCapacity is returned when appending beyond a fixed-capacity container.
	ErrCapacity = errors.New("shm: container capacity exceeded")
	// ErrOutOfRange is returned for an index outside a container's contents.
	ErrOutOfRange = errors.New("shm: index out of range")
)

// Namespace locates named objects on the filesystem.
type Namespace struct {
	// Dir is the backing directory; empty means DefaultDir.
	Dir string
}

func (ns Namespace) dir() string {
	if ns.Dir == "" {
		return DefaultDir
	}
	return ns.Dir
}

// objectName strips the leading slash of a POSIX object name.
func objectName(name string) string {
	return strings.TrimPrefix(name, "/")
}

// ShmPath returns the file backing the shared memory object name.
func (ns Namespace) ShmPath(name string) string {
	return filepath.Join(ns.dir(), objectName(name))
}

// SemPath returns the file backing the named semaphore name.
func (ns Namespace) SemPath(name string) string {
	return filepath.Join(ns.dir(), "sem."+objectName(name))
}

// mapping is a MAP_SHARED view of a named object.
type mapping struct {
	path string
	mem  []byte
}

// createObject atomically replaces path with a fresh object of size bytes
// holding init (zero filled past it) and maps it.
func createObject(path string, size int, init []byte) (*mapping, error) {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer tmp.Close()

	if err := tmp.Truncate(int64(size)); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to size %s: %w", path, err)
	}
	if len(init) > 0 {
		if _, err := tmp.WriteAt(init, 0); err != nil {
			os.Remove(tmpName)
			return nil, fmt.Errorf("failed to initialise %s: %w", path, err)
		}
	}
	// CreateTemp honours the umask; the contract needs world read/write.
	if err := tmp.Chmod(Perm); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to publish %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(tmp.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	return &mapping{path: path, mem: mem}, nil
}

// openObject maps an existing object of at least size bytes.
func openObject(path string, size int) (*mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		return nil, fmt.Errorf("%s is %d bytes, expected at least %d", path, info.Size(), size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	return &mapping{path: path, mem: mem}, nil
}

func (m *mapping) unmap() error {
	if m == nil || m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	if err != nil {
		return fmt.Errorf("failed to unmap %s: %w", m.path, err)
	}
	return nil
}

func unlink(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to unlink %s: %w", path, err)
	}
	return nil
}
