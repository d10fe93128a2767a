package blockdevice

import (
	"DemandVM/types"
	"fmt"
	"os"
)

/*
Block devices back the swap table. A device is a flat array of SectorSize
sectors; callers move whole sectors with ReadSector/WriteSector.

FileDevice owns an *os.File and reads/writes at sector offsets, the way the
disk manager does for pages. The file is sized up front so every sector
exists. MemDevice is the same contract over a byte slice.
*/

// OpenFileDevice opens or creates path and sizes it to hold sectors sectors.
func OpenFileDevice(path string, sectors uint64) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open block device %s: %w", path, err)
	}

	size := int64(sectors) * types.SectorSize
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size block device %s: %w", path, err)
	}

	return &FileDevice{
		file:     file,
		filePath: path,
		sectors:  sectors,
	}, nil
}

func (d *FileDevice) SectorCount() uint64 {
	return d.sectors
}

// ReadSector reads one sector into buf.
func (d *FileDevice) ReadSector(sector uint64, buf []byte) error {
	if err := checkSector(sector, d.sectors, buf); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return fmt.Errorf("block device %s is closed", d.filePath)
	}

	n, err := d.file.ReadAt(buf[:types.SectorSize], int64(sector)*types.SectorSize)
	if err != nil && n == 0 {
		return fmt.Errorf("failed to read sector %d: %w", sector, err)
	}
	// Pad with zeros if partial read
	clear(buf[n:types.SectorSize])
	return nil
}

// WriteSector writes one sector from buf.
func (d *FileDevice) WriteSector(sector uint64, buf []byte) error {
	if err := checkSector(sector, d.sectors, buf); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return fmt.Errorf("block device %s is closed", d.filePath)
	}

	if _, err := d.file.WriteAt(buf[:types.SectorSize], int64(sector)*types.SectorSize); err != nil {
		return fmt.Errorf("failed to write sector %d: %w", sector, err)
	}
	return nil
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil // Already closed
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// NewMemDevice returns an in-memory device of the given size.
func NewMemDevice(sectors uint64) *MemDevice {
	return &MemDevice{
		data:    make([]byte, sectors*types.SectorSize),
		sectors: sectors,
	}
}

func (d *MemDevice) SectorCount() uint64 {
	return d.sectors
}

func (d *MemDevice) ReadSector(sector uint64, buf []byte) error {
	if err := checkSector(sector, d.sectors, buf); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return fmt.Errorf("block device is closed")
	}
	off := sector * types.SectorSize
	copy(buf, d.data[off:off+types.SectorSize])
	return nil
}

func (d *MemDevice) WriteSector(sector uint64, buf []byte) error {
	if err := checkSector(sector, d.sectors, buf); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("block device is closed")
	}
	off := sector * types.SectorSize
	copy(d.data[off:off+types.SectorSize], buf)
	return nil
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.data = nil
	return nil
}

func checkSector(sector, total uint64, buf []byte) error {
	if sector >= total {
		return fmt.Errorf("sector %d out of range (device has %d)", sector, total)
	}
	if len(buf) < types.SectorSize {
		return fmt.Errorf("buffer size %d smaller than sector size %d", len(buf), types.SectorSize)
	}
	return nil
}
