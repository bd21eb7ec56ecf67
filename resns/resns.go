// Package resns implements the per-process resource namespace: an
// immutable map from a 32-byte resource name to a typed capability,
// built by a process's parent at spawn time.
//
// Grounded on hashtable/hashtable.go's Hashtable_t, but trimmed to the
// read-mostly shape an immutable map built once by its parent at
// spawn actually needs: since the namespace is never mutated after
// construction, the bucket-lock machinery collapses to a plain map
// guarded by a single RWMutex rather than per-bucket locks, while
// keeping the same Get-by-key contract hashtable.go exposes.
package resns

import (
	"sync"

	"biscuit-core/defs"
	"biscuit-core/handle"
	"biscuit-core/ustr"
)

// / Capability is one resource namespace entry: the same {kind,
// / payload} shape a handle slot carries.
type Capability struct {
	Kind    handle.Kind
	Payload handle.Closer
}

// / Namespace is the immutable name → capability map handed to a
// / process at spawn. Built once via New and Bind, then sealed; safe for concurrent Get calls
// / after that, so the mutex here only guards against a caller
// / observing a partially-built map, not genuine concurrent writers.
type Namespace struct {
	mu      sync.RWMutex
	entries map[ustr.Name32]Capability
	sealed  bool
}

// / New returns an empty namespace, filled via Bind before being
// / handed to a spawned process.
func New() *Namespace {
	return &Namespace{entries: make(map[ustr.Name32]Capability)}
}

// / Bind adds one named resource. Valid only before Seal; spawn calls
// / this once per (name, handle) pair taken from the parent's
// / parallel list of names and attached handles.
func (n *Namespace) Bind(name ustr.Name32, cap Capability) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sealed {
		return defs.EINVALARG
	}
	n.entries[name] = cap
	return 0
}

// / Seal freezes the namespace; spawn calls this once construction is
// / complete, making it immutable for the lifetime of the process.
func (n *Namespace) Seal() {
	n.mu.Lock()
	n.sealed = true
	n.mu.Unlock()
}

// / Get looks up name, enforcing that its capability kind matches
// / expect.
func (n *Namespace) Get(name ustr.Name32, expect handle.Kind) (Capability, defs.Err_t) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.entries[name]
	if !ok {
		return Capability{}, defs.EINVALRES
	}
	if c.Kind != expect {
		return Capability{}, defs.EWRONGRES
	}
	return c, 0
}

// / Resolve installs the resource named name into table under
// / expect's kind, performing the handle_table side of resource_get in
// / one call. If the capability's payload is dup-able (the same
// / refcount-bumping contract ipc.SendEndpoint uses for handle copies)
// / a fresh reference is installed so two resource_get calls for the
// / same name do not share a single Close-once payload; otherwise the
// / namespace's own payload is installed directly, appropriate for
// / resources a process only ever resolves once.
func (n *Namespace) Resolve(table *handle.Table, name ustr.Name32, expect handle.Kind) (int, defs.Err_t) {
	c, err := n.Get(name, expect)
	if err != 0 {
		return 0, err
	}
	payload := c.Payload
	if dup, ok := payload.(interface{ Dup() handle.Closer }); ok {
		payload = dup.Dup()
	}
	return table.Add(c.Kind, payload)
}
