package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/tunnelnet/internal/obs"
)

type memoryDirectory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{entries: make(map[string]Entry)}
}

var _ Directory = (*memoryDirectory)(nil)

func (d *memoryDirectory) Register(_ context.Context, e Entry) error {
	if !validName(e.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.entries[e.Name]; ok && !canReplace(cur, e) {
		return fmt.Errorf("%w: %s", ErrNameTaken, e.Name)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	d.entries[e.Name] = e
	obs.DirectoryEntries.Set(float64(len(d.entries)))
	return nil
}

func (d *memoryDirectory) Lookup(_ context.Context, name string) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Remove deletes name if instance owns it.
func (d *memoryDirectory) Remove(_ context.Context, name, instance string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return ErrNotFound
	}
	if e.Static || e.Instance != instance {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	delete(d.entries, name)
	obs.DirectoryEntries.Set(float64(len(d.entries)))
	return nil
}

func (d *memoryDirectory) List(context.Context) ([]Entry, error) {
	d.mu.Lock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *memoryDirectory) Close() error { return nil }
