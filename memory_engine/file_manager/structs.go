package filemanager

import (
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
)

// ############################################# FILE #############################################

// fileState is shared by every handle opened on the same path.
type fileState struct {
	id   uint32
	path string
	refs int
	mu   sync.RWMutex // readers fill the cache under RLock, writers invalidate under Lock
}

// File is one open handle on a backing file. Handles returned by Reopen
// share the file's identity and cache entries but close independently.
type File struct {
	state  *fileState
	file   *os.File
	mgr    *Manager
	closed bool
	mu     sync.Mutex // guards closed
}

// ############################################# FILE MANAGER #############################################

// Manager opens backing files and owns the page cache shared by all of them.
type Manager struct {
	files  map[string]*fileState // path -> shared state
	nextID uint32
	cache  *ristretto.Cache[uint64, []byte] // nil when caching is disabled
	log    *logrus.Entry
	mu     sync.Mutex
}

// ManagerStats is a snapshot of open files and cache effectiveness.
type ManagerStats struct {
	OpenFiles   int
	CacheHits   uint64
	CacheMisses uint64
}
