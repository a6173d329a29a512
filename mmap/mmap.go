// Package mmap wraps memory-mapped files for the log and table readers.
// Linux and the other unixes we care about share the same mmap surface
// through golang.org/x/sys/unix.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a file with its contents memory mapped. Data is valid until
// Close or Truncate.
type File struct {
	Data []byte
	fd   *os.File
	path string
}

// Open maps the file at path. If writable, the file is opened
// read-write and created if missing, grown to at least sz bytes before
// mapping. With sz <= 0 the current file size is mapped.
func Open(path string, writable bool, sz int64) (*File, error) {
	flags := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flags = os.O_RDWR | os.O_CREATE
		prot |= unix.PROT_WRITE
	}
	fd, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		return nil, fmt.Errorf("mmap open %s: %w", path, err)
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap stat %s: %w", path, err)
	}
	size := fi.Size()
	if sz > 0 && size < sz {
		if !writable {
			fd.Close()
			return nil, fmt.Errorf("mmap %s: file is %d bytes, need %d", path, size, sz)
		}
		if err := fd.Truncate(sz); err != nil {
			fd.Close()
			return nil, fmt.Errorf("mmap grow %s: %w", path, err)
		}
		size = sz
	}
	if size == 0 {
		return &File{fd: fd, path: path}, nil
	}
	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &File{Data: data, fd: fd, path: path}, nil
}

// Path returns the file path backing the mapping.
func (m *File) Path() string { return m.path }

// Sync flushes mapped pages to disk.
func (m *File) Sync() error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := unix.Msync(m.Data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", m.path, err)
	}
	return nil
}

// Truncate unmaps, resizes the file and remaps it at the new size.
func (m *File) Truncate(sz int64) error {
	if err := m.Sync(); err != nil {
		return err
	}
	if len(m.Data) > 0 {
		if err := unix.Munmap(m.Data); err != nil {
			return fmt.Errorf("munmap %s: %w", m.path, err)
		}
		m.Data = nil
	}
	if err := m.fd.Truncate(sz); err != nil {
		return fmt.Errorf("truncate %s: %w", m.path, err)
	}
	if sz == 0 {
		return nil
	}
	data, err := unix.Mmap(int(m.fd.Fd()), 0, int(sz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap %s: %w", m.path, err)
	}
	m.Data = data
	return nil
}

// Close unmaps and closes the file. With truncate >= 0 the file is
// resized on the way out, used to trim preallocated log tails.
func (m *File) Close(truncate int64) error {
	if m == nil || m.fd == nil {
		return nil
	}
	if err := m.Sync(); err != nil {
		return err
	}
	if len(m.Data) > 0 {
		if err := unix.Munmap(m.Data); err != nil {
			return fmt.Errorf("munmap %s: %w", m.path, err)
		}
		m.Data = nil
	}
	if truncate >= 0 {
		if err := m.fd.Truncate(truncate); err != nil {
			return fmt.Errorf("truncate %s: %w", m.path, err)
		}
	}
	return m.fd.Close()
}

// Delete unmaps, closes and removes the file.
func (m *File) Delete() error {
	if m == nil || m.fd == nil {
		return nil
	}
	if len(m.Data) > 0 {
		if err := unix.Munmap(m.Data); err != nil {
			return fmt.Errorf("munmap %s: %w", m.path, err)
		}
		m.Data = nil
	}
	if err := m.fd.Close(); err != nil {
		return err
	}
	return os.Remove(m.path)
}

// SyncDir fsyncs a directory so renames and creates in it are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return f.Close()
}
