// Package circuit chooses the relay paths circuits are built over.
package circuit

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-zoox/onion/registry"
)

// DefaultLength is the number of hops in a path.
const DefaultLength = 3

// ErrInsufficientNodes means no path can be built from the registry.
var ErrInsufficientNodes = errors.New("insufficient nodes")

type Hop = registry.Node

// Path is the ordered hop list of one circuit. The first hop is dialed by
// the entry, the last one connects to the destination.
type Path []Hop

func (p Path) String() string {
	ids := make([]string, 0, len(p))
	for _, hop := range p {
		ids = append(ids, hop.ID())
	}
	return strings.Join(ids, " -> ")
}

// Keys returns the hop keys in path order.
func (p Path) Keys() []byte {
	keys := make([]byte, 0, len(p))
	for _, hop := range p {
		keys = append(keys, hop.Key)
	}
	return keys
}

type SelectorConfig struct {
	// Exclude is a node id never chosen, usually the caller's own.
	Exclude string
	// Seed makes choices reproducible when non-zero.
	Seed int64
}

// Selector picks random paths. It is safe for concurrent use.
type Selector struct {
	sync.Mutex

	exclude string
	rand    *rand.Rand
}

func NewSelector(cfg *SelectorConfig) *Selector {
	seed := time.Now().UnixNano()
	exclude := ""
	if cfg != nil {
		if cfg.Seed != 0 {
			seed = cfg.Seed
		}
		exclude = cfg.Exclude
	}

	return &Selector{
		exclude: exclude,
		rand:    rand.New(rand.NewSource(seed)),
	}
}

// Choose returns length hops. With at least length candidates every hop is
// distinct; with fewer, candidates repeat in shuffled rounds.
func (s *Selector) Choose(nodes []registry.Node, length int) (Path, error) {
	if length <= 0 {
		length = DefaultLength
	}

	candidates := make([]registry.Node, 0, len(nodes))
	for _, node := range nodes {
		if s.exclude != "" && node.ID() == s.exclude {
			continue
		}
		candidates = append(candidates, node)
	}

	if len(candidates) == 0 {
		return nil, ErrInsufficientNodes
	}

	s.Lock()
	defer s.Unlock()

	path := make(Path, 0, length)
	for len(path) < length {
		for _, i := range s.rand.Perm(len(candidates)) {
			if len(path) == length {
				break
			}
			path = append(path, candidates[i])
		}
	}

	return path, nil
}
