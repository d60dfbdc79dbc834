package diffusion

import (
	"fmt"
	"sync"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// engine is the process-wide native binding instance.
var engine = newNativeBinding()

// Components is a reference-counted bundle of the pipeline sub-components that
// augmented and non-augmented variants of the same model have in common (UNet,
// VAE and text encoders). A toggle-only rebuild hands the live bundle to the
// factory instead of reloading multi-gigabyte weights from disk: the new
// pipeline retains the bundle before the old pipeline releases it, so the
// handles never hit a zero reference count during the swap.
type Components struct {
	log logging.Logger

	mu      sync.Mutex
	refs    int
	freed   bool
	handles map[ComponentKind]Handle
}

// LoadComponents loads the given component kinds from a checkpoint file. The
// returned bundle starts with a single reference owned by the caller.
func LoadComponents(log logging.Logger, checkpointPath string, kinds ...ComponentKind) (*Components, error) {
	handles := make(map[ComponentKind]Handle, len(kinds))
	for _, kind := range kinds {
		h, err := engine.LoadComponent(checkpointPath, kind)
		if err != nil {
			// Unwind partially loaded components.
			for _, loaded := range handles {
				_ = engine.FreeComponent(loaded)
			}
			return nil, fmt.Errorf("loading %s from %s: %w", kind, checkpointPath, err)
		}
		handles[kind] = h
	}
	return &Components{log: log, refs: 1, handles: handles}, nil
}

// Retain adds a reference. The factory calls this before a new pipeline
// adopts a shared bundle.
func (c *Components) Retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		panic("diffusion: Retain on freed components")
	}
	c.refs++
}

// Release drops one reference and frees the native handles at zero.
func (c *Components) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	c.freed = true
	var firstErr error
	for kind, h := range c.handles {
		if err := engine.FreeComponent(h); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("freeing %s: %w", kind, err)
		}
	}
	c.handles = nil
	return firstErr
}

// Handles returns the component handle map for pipeline composition.
func (c *Components) Handles() map[ComponentKind]Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ComponentKind]Handle, len(c.handles))
	for kind, h := range c.handles {
		out[kind] = h
	}
	return out
}

// Has reports whether the bundle carries the given component kind.
func (c *Components) Has(kind ComponentKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[kind]
	return ok
}
