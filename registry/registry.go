// Package registry keeps the set of relay nodes circuits are built from,
// serves it over HTTP and mirrors it between processes.
package registry

import (
	"fmt"
	"sync"

	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/manager"
)

// Registry is safe for concurrent use. The reactor reads it through Nodes
// while HTTP and websocket goroutines write it.
type Registry struct {
	sync.RWMutex

	nodes *manager.Manager[Node]

	listenerID int
	listeners  map[int]func(nodes []Node)
}

func New() *Registry {
	return &Registry{
		nodes:     manager.New[Node](),
		listeners: map[int]func(nodes []Node){},
	}
}

// Register adds node, replacing any node with the same address and port.
func (r *Registry) Register(node Node) error {
	if err := node.Validate(); err != nil {
		return err
	}

	r.Lock()
	r.nodes.Set(node.ID(), node)
	r.Unlock()

	logger.Infof("[registry] register node: %s", node.String())
	r.notify()
	return nil
}

func (r *Registry) Unregister(id string) error {
	r.Lock()
	err := r.nodes.Delete(id)
	r.Unlock()
	if err != nil {
		return fmt.Errorf("node %s not found", id)
	}

	logger.Infof("[registry] unregister node: %s", id)
	r.notify()
	return nil
}

func (r *Registry) Get(id string) (Node, error) {
	node, err := r.nodes.Get(id)
	if err != nil {
		return Node{}, fmt.Errorf("node %s not found", id)
	}

	return node, nil
}

// Nodes returns a snapshot ordered by id.
func (r *Registry) Nodes() []Node {
	r.RLock()
	defer r.RUnlock()

	return r.snapshot()
}

func (r *Registry) Len() int {
	return r.nodes.Len()
}

// Replace swaps the whole node set, used when mirroring a remote registry.
func (r *Registry) Replace(nodes []Node) error {
	for _, node := range nodes {
		if err := node.Validate(); err != nil {
			return fmt.Errorf("invalid node %s: %v", node.ID(), err)
		}
	}

	r.Lock()
	r.nodes.Clear()
	for _, node := range nodes {
		r.nodes.Set(node.ID(), node)
	}
	r.Unlock()

	logger.Debugf("[registry] replace with %d nodes", len(nodes))
	r.notify()
	return nil
}

// OnChange calls fn with a fresh snapshot after every change. The returned
// function removes the listener.
func (r *Registry) OnChange(fn func(nodes []Node)) func() {
	r.Lock()
	defer r.Unlock()

	r.listenerID++
	id := r.listenerID
	r.listeners[id] = fn

	return func() {
		r.Lock()
		defer r.Unlock()

		delete(r.listeners, id)
	}
}

// snapshot is ordered by id.
func (r *Registry) snapshot() []Node {
	return r.nodes.Values()
}

func (r *Registry) notify() {
	r.RLock()
	nodes := r.snapshot()
	listeners := make([]func(nodes []Node), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.RUnlock()

	for _, fn := range listeners {
		fn(nodes)
	}
}
