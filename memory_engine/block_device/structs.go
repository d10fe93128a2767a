package blockdevice

import (
	"os"
	"sync"
)

// ############################################# BLOCK DEVICE #############################################

// Device is a sector-addressed block device. Sectors are SectorSize bytes.
type Device interface {
	SectorCount() uint64
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error
	Close() error
}

// FileDevice keeps its sectors in a regular file.
type FileDevice struct {
	file     *os.File
	filePath string
	sectors  uint64
	mu       sync.RWMutex
}

// MemDevice keeps its sectors in memory.
type MemDevice struct {
	data    []byte
	sectors uint64
	closed  bool
	mu      sync.RWMutex
}
