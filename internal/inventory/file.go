package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"flashguard/internal/flash"
)

// FileInventory reads devices from a TOML file of [[device]] tables. The
// file is re-read on every call so changes made by other processes are seen
// while a flash waits for a device to come back. Entries without last_seen
// are taken to have been seen when the file was last modified.
type FileInventory struct {
	path string
	mu   sync.Mutex // serializes Update within this process
}

type inventoryFile struct {
	Devices []Device `toml:"device"`
}

func NewFileInventory(path string) *FileInventory {
	return &FileInventory{path: path}
}

func (f *FileInventory) Path() string { return f.path }

func (f *FileInventory) load() (*inventoryFile, os.FileInfo, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &inventoryFile{}, nil, nil
		}
		return nil, nil, fmt.Errorf("reading inventory: %w", err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading inventory: %w", err)
	}

	var inv inventoryFile
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&inv); err != nil {
		return nil, nil, fmt.Errorf("decoding inventory %s: %w", f.path, err)
	}
	return &inv, info, nil
}

func modTime(info os.FileInfo) (t time.Time) {
	if info != nil {
		t = info.ModTime()
	}
	return t
}

func (f *FileInventory) Snapshot(ctx context.Context, deviceID string) (*flash.DeviceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inv, info, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, d := range inv.Devices {
		if d.ID == deviceID {
			snap := d.snapshot(modTime(info))
			return &snap, nil
		}
	}
	return nil, fmt.Errorf("device %s: %w", deviceID, flash.ErrNotFound)
}

func (f *FileInventory) Devices(ctx context.Context) ([]flash.DeviceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inv, info, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]flash.DeviceSnapshot, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		out = append(out, d.snapshot(modTime(info)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put adds or replaces a device entry.
func (f *FileInventory) Put(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device entry has no id")
	}
	return f.modify(func(inv *inventoryFile) error {
		for i := range inv.Devices {
			if inv.Devices[i].ID == d.ID {
				inv.Devices[i] = d
				return nil
			}
		}
		inv.Devices = append(inv.Devices, d)
		return nil
	})
}

// Record adds or replaces the entry for s.
func (f *FileInventory) Record(s flash.DeviceSnapshot) error {
	return f.Put(FromSnapshot(s))
}

// Update applies fn to an existing device entry and writes the file back.
func (f *FileInventory) Update(deviceID string, fn func(d *Device)) error {
	return f.modify(func(inv *inventoryFile) error {
		for i := range inv.Devices {
			if inv.Devices[i].ID == deviceID {
				fn(&inv.Devices[i])
				return nil
			}
		}
		return fmt.Errorf("device %s: %w", deviceID, flash.ErrNotFound)
	})
}

func (f *FileInventory) modify(fn func(inv *inventoryFile) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, _, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(inv); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(inv); err != nil {
		return fmt.Errorf("encoding inventory: %w", err)
	}
	return writeAtomic(f.path, buf.Bytes())
}

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating inventory directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

var _ Recorder = (*FileInventory)(nil)
