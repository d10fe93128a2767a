package filemanager

import (
	"DemandVM/logger"
	"DemandVM/types"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/ristretto/v2"
)

/*
File manager

Owns the OS handles behind file-backed pages. Every path gets a stable file
ID the first time it is opened; reopening the same path (as writable mmaps
do) yields an independent handle with the same ID so cache entries are
shared.

Page reads go through a ristretto cache keyed by (fileID, page offset).
A write takes the file's write lock, writes through to the OS file and drops
the cached pages it overlaps. Readers hold the read lock across the read and
the cache Set, so a stale page can never be cached after the write that
invalidated it.
*/

var ErrClosed = errors.New("file is closed")

// NewManager creates a file manager. cacheBytes of 0 disables the page cache.
func NewManager(cacheBytes int64) (*Manager, error) {
	m := &Manager{
		files:  make(map[string]*fileState),
		nextID: 1,
		log:    logger.For("file_manager"),
	}
	if cacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: max(10*cacheBytes/types.PageSize, 100),
			MaxCost:     cacheBytes,
			BufferItems: 64,
			Metrics:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create page cache: %w", err)
		}
		m.cache = cache
	}
	return m, nil
}

// Open opens an existing file at path for reading and writing.
func (m *Manager) Open(path string) (*File, error) {
	return m.open(path, os.O_RDWR)
}

// Create opens the file at path, creating it empty if it does not exist.
func (m *Manager) Create(path string) (*File, error) {
	return m.open(path, os.O_RDWR|os.O_CREATE)
}

func (m *Manager) open(path string, flag int) (*File, error) {
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.files[path]
	if !ok {
		st = &fileState{id: m.nextID, path: path}
		m.nextID++
		m.files[path] = st
		m.log.WithField("path", path).WithField("file_id", st.id).Debug("OPEN")
	}
	st.refs++
	return &File{state: st, file: file, mgr: m}, nil
}

// Reopen returns a new, independent handle on the same file.
func (f *File) Reopen() (*File, error) {
	return f.mgr.Open(f.state.path)
}

// ID returns the identity shared by every handle on this file.
func (f *File) ID() uint32 {
	return f.state.id
}

func (f *File) Path() string {
	return f.state.path
}

// Length returns the file's current size in bytes.
func (f *File) Length() (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	stat, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", f.state.path, err)
	}
	return stat.Size(), nil
}

// ReadPage fills buf (one page) with length bytes read from the page-aligned
// offset. Bytes past length, or past the end of the file, are zero.
func (f *File) ReadPage(buf []byte, offset int64, length int) error {
	if len(buf) != types.PageSize || offset%types.PageSize != 0 || length < 0 || length > types.PageSize {
		panic(fmt.Sprintf("filemanager: bad page read: len=%d offset=%d length=%d", len(buf), offset, length))
	}
	if err := f.check(); err != nil {
		return err
	}

	st := f.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	key := cacheKey(st.id, offset)
	if f.mgr.cache != nil {
		if cached, ok := f.mgr.cache.Get(key); ok {
			copy(buf[:length], cached)
			clear(buf[length:])
			return nil
		}
	}

	page := make([]byte, types.PageSize)
	n, err := f.file.ReadAt(page, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read page at %d from file %d: %w", offset, st.id, err)
	}
	// pad with zeros if partial read
	clear(page[n:])

	if f.mgr.cache != nil {
		f.mgr.cache.Set(key, page, types.PageSize)
	}
	copy(buf[:length], page)
	clear(buf[length:])
	return nil
}

// ReadAt reads into buf from offset and returns the bytes read, which is
// short only at the end of the file.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	st := f.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	n, err := f.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("failed to read %d bytes at %d from file %d: %w", len(buf), offset, st.id, err)
	}
	return n, nil
}

// WriteAt writes data at offset, dropping any cached pages it overlaps.
func (f *File) WriteAt(data []byte, offset int64) error {
	if err := f.check(); err != nil {
		return err
	}

	st := f.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := f.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write %d bytes at %d to file %d: %w", len(data), offset, st.id, err)
	}
	if f.mgr.cache != nil {
		first := offset &^ (types.PageSize - 1)
		for pg := first; pg < offset+int64(len(data)); pg += types.PageSize {
			f.mgr.cache.Del(cacheKey(st.id, pg))
		}
	}
	return nil
}

// Close releases this handle. Other handles on the same file stay usable.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	m := f.mgr
	m.mu.Lock()
	f.state.refs--
	if f.state.refs == 0 {
		delete(m.files, f.state.path)
		m.log.WithField("path", f.state.path).WithField("file_id", f.state.id).Debug("CLOSE")
	}
	m.mu.Unlock()

	if err := f.file.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", f.state.path, err)
	}
	return nil
}

// Stats reports open files and cache counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{OpenFiles: len(m.files)}
	m.mu.Unlock()
	if m.cache != nil {
		stats.CacheHits = m.cache.Metrics.Hits()
		stats.CacheMisses = m.cache.Metrics.Misses()
	}
	return stats
}

// Close drops the page cache. Open handles must be closed by their owners.
func (m *Manager) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

func (f *File) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("file %s: %w", f.state.path, ErrClosed)
	}
	return nil
}

func cacheKey(id uint32, offset int64) uint64 {
	return uint64(id)<<32 | uint64(offset/types.PageSize)
}
