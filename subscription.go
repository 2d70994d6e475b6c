package enjambre

import (
	"sort"
	"sync"
)

// Unsubscribe cancels a subscription. Calling it more than once is safe only
// for handles returned by this package.
type Unsubscribe func()

// once wraps u so repeated calls are no-ops.
func once(u Unsubscribe) Unsubscribe {
	if u == nil {
		return func() {}
	}
	var o sync.Once
	return func() { o.Do(u) }
}

// SubscriptionNode is one node of the subscription ownership tree. Disposing
// a node disposes its children first, then cancels its own subscription.
type SubscriptionNode struct {
	mu       sync.Mutex
	name     string
	cancel   Unsubscribe
	children map[string]*SubscriptionNode
	disposed bool
}

// NewSubscriptionNode creates a node owning cancel (which may be nil for
// pure grouping nodes).
func NewSubscriptionNode(name string, cancel Unsubscribe) *SubscriptionNode {
	return &SubscriptionNode{
		name:     name,
		cancel:   cancel,
		children: make(map[string]*SubscriptionNode),
	}
}

// Name returns the node name.
func (n *SubscriptionNode) Name() string { return n.name }

// SetCancel installs the node's own cancel func. When the node is already
// disposed, cancel runs immediately.
func (n *SubscriptionNode) SetCancel(cancel Unsubscribe) {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	n.cancel = cancel
	n.mu.Unlock()
}

// Attach adds child under key, disposing any child previously stored there.
// Attaching to a disposed node disposes the child right away.
func (n *SubscriptionNode) Attach(key string, child *SubscriptionNode) {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		child.Dispose()
		return
	}
	old := n.children[key]
	n.children[key] = child
	n.mu.Unlock()
	if old != nil && old != child {
		old.Dispose()
	}
}

// Detach disposes and removes the child under key. It reports whether a
// child was present.
func (n *SubscriptionNode) Detach(key string) bool {
	n.mu.Lock()
	child, ok := n.children[key]
	delete(n.children, key)
	n.mu.Unlock()
	if ok {
		child.Dispose()
	}
	return ok
}

// Has reports whether a child is attached under key.
func (n *SubscriptionNode) Has(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.children[key]
	return ok
}

// Keys returns the sorted child keys.
func (n *SubscriptionNode) Keys() []string {
	n.mu.Lock()
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	n.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of attached children.
func (n *SubscriptionNode) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.children)
}

// Disposed reports whether Dispose was called.
func (n *SubscriptionNode) Disposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

// Dispose tears down the subtree. It is idempotent.
func (n *SubscriptionNode) Dispose() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	n.disposed = true
	children := n.children
	n.children = make(map[string]*SubscriptionNode)
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	for _, c := range children {
		c.Dispose()
	}
	if cancel != nil {
		cancel()
	}
}

// emitter is a set of callbacks invoked in registration order. A panicking
// callback does not stop the others.
type emitter[T any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(T)
}

func (e *emitter[T]) on(h func(T)) Unsubscribe {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(T))
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.mu.Unlock()
	return once(func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	})
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]func(T), 0, len(ids))
	for _, id := range ids {
		hs = append(hs, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(v)
		}()
	}
}
