package snapshot

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Debouncer coalesces snapshot writes for one subsystem file.
//
// Mark records that the in-memory state changed; the file is rewritten once
// the quiet period elapses without further marks. Flush forces an immediate
// write of any pending state.
type Debouncer struct {
	store  *Store
	name   string
	quiet  time.Duration
	source func() any

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewDebouncer creates a debouncer for the named snapshot file. The source
// function must return a marshal-safe copy of the subsystem state.
func NewDebouncer(store *Store, name string, quiet time.Duration, source func() any) (*Debouncer, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if quiet <= 0 {
		quiet = time.Second
	}
	return &Debouncer{store: store, name: name, quiet: quiet, source: source}, nil
}

// Mark schedules a rewrite after the quiet period. Repeated marks within the
// period collapse into a single write.
func (d *Debouncer) Mark() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Reset(d.quiet)
		return
	}
	d.timer = time.AfterFunc(d.quiet, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	if err := d.store.Save(context.Background(), d.name, d.source()); err != nil {
		log.Printf("snapshot %s: %v", d.name, err)
	}
}

// Flush writes the current state immediately and cancels any pending timer.
func (d *Debouncer) Flush(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.store.Save(ctx, d.name, d.source())
}

// Close stops the debouncer and writes any pending state.
func (d *Debouncer) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.timer != nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if !pending {
		return nil
	}
	return d.store.Save(context.Background(), d.name, d.source())
}
