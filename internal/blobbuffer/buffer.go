// Package blobbuffer implements the write-once, read-many byte
// container the driver uses to hold one inbound or outbound blob for
// the duration of a single clean/smudge request. Two implementations
// share one interface: an in-memory buffer, and a temp-file-backed
// buffer selected via fastcdc.ondisk for blobs too large to hold
// comfortably in RAM.
package blobbuffer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WindowSize is the chunk size IterWindows reads at a time when
// streaming a buffer's contents back out.
const WindowSize = 256 * 1024

// Buffer is the uniform capability set both implementations expose.
type Buffer interface {
	// Append adds bytes to the end of the buffer.
	Append(p []byte) error
	// Len reports the number of bytes written so far.
	Len() int64
	// ReadAll materializes the entire buffer. Callers handling
	// potentially large blobs should prefer IterWindows.
	ReadAll() ([]byte, error)
	// IterWindows streams the buffer's contents in WindowSize slices,
	// calling fn for each. Iteration stops at the first error fn returns.
	IterWindows(fn func([]byte) error) error
	// Reader returns an io.Reader over the buffer's contents from the
	// start, for callers (the chunker) that want to stream rather than
	// materialize. Each call returns an independent reader positioned at
	// offset 0.
	Reader() (io.Reader, error)
	// Close releases any resources (temp file, etc). Safe to call more
	// than once and on every exit path, including after errors.
	Close() error
}

// Memory is an in-memory Buffer backed by a growing byte slice.
type Memory struct {
	data []byte
}

// NewMemory creates an empty in-memory buffer.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(p []byte) error {
	m.data = append(m.data, p...)
	return nil
}

func (m *Memory) Len() int64 { return int64(len(m.data)) }

func (m *Memory) ReadAll() ([]byte, error) {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

func (m *Memory) IterWindows(fn func([]byte) error) error {
	for off := 0; off < len(m.data); off += WindowSize {
		end := off + WindowSize
		if end > len(m.data) {
			end = len(m.data)
		}
		if err := fn(m.data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Reader() (io.Reader, error) {
	return bytes.NewReader(m.data), nil
}

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Disk is a temp-file-backed Buffer. The backing file is opened for
// read+write, named with a random UUID so concurrent driver processes
// sharing one temp directory never collide, and removed from the
// directory immediately after creation: on Unix this leaves the inode
// alive only as long as this process holds the descriptor open, so a
// crash or explicit Close both reclaim the space identically -- there is
// no separate unlink-on-close path to get wrong.
type Disk struct {
	f      *os.File
	size   int64
	writer *bufio.Writer
}

// NewDisk creates a temp-file-backed buffer inside dir (the host VCS's
// temp directory, per spec).
func NewDisk(dir string) (*Disk, error) {
	name := filepath.Join(dir, fmt.Sprintf("git-fastcdc-%s.blob", uuid.NewString()))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blobbuffer: create temp file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blobbuffer: unlink temp file: %w", err)
	}
	return &Disk{f: f, writer: bufio.NewWriterSize(f, WindowSize)}, nil
}

func (d *Disk) Append(p []byte) error {
	n, err := d.writer.Write(p)
	d.size += int64(n)
	if err != nil {
		return fmt.Errorf("blobbuffer: write: %w", err)
	}
	return nil
}

func (d *Disk) Len() int64 { return d.size }

func (d *Disk) flush() error {
	if err := d.writer.Flush(); err != nil {
		return fmt.Errorf("blobbuffer: flush: %w", err)
	}
	return nil
}

func (d *Disk) ReadAll() ([]byte, error) {
	if err := d.flush(); err != nil {
		return nil, err
	}
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blobbuffer: seek: %w", err)
	}
	data := make([]byte, d.size)
	if _, err := io.ReadFull(d.f, data); err != nil {
		return nil, fmt.Errorf("blobbuffer: read: %w", err)
	}
	return data, nil
}

func (d *Disk) IterWindows(fn func([]byte) error) error {
	if err := d.flush(); err != nil {
		return err
	}
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("blobbuffer: seek: %w", err)
	}
	r := bufio.NewReaderSize(d.f, WindowSize)
	buf := make([]byte, WindowSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("blobbuffer: read: %w", err)
		}
	}
}

func (d *Disk) Reader() (io.Reader, error) {
	if err := d.flush(); err != nil {
		return nil, err
	}
	return io.NewSectionReader(d.f, 0, d.size), nil
}

func (d *Disk) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	if err != nil {
		return fmt.Errorf("blobbuffer: close: %w", err)
	}
	return nil
}

// New selects an implementation per the fastcdc.ondisk configuration
// knob. dir is only consulted when onDisk is true.
func New(onDisk bool, dir string) (Buffer, error) {
	if !onDisk {
		return NewMemory(), nil
	}
	return NewDisk(dir)
}

var _ Buffer = (*Memory)(nil)
var _ Buffer = (*Disk)(nil)
