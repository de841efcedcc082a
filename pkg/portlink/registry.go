package portlink

import (
	"fmt"
	"sync"
)

// Exactly one Handle may hold a port path at a time. Overlapping sessions
// on the same port would interleave half-duplex traffic and desynchronize
// the meter, so the second opener is refused outright.
var registry = struct {
	sync.Mutex
	held map[string]bool
}{held: make(map[string]bool)}

func claim(path string) error {
	registry.Lock()
	defer registry.Unlock()
	if registry.held[path] {
		return fmt.Errorf("%w: %s is held by another session", ErrPortUnavailable, path)
	}
	registry.held[path] = true
	return nil
}

func release(path string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.held, path)
}
