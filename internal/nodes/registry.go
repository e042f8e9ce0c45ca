// ABOUTME: Node registry mapping node ids to base addresses and node-scoped secrets
// ABOUTME: Readers load an immutable snapshot; writers swap in a rebuilt one

package nodes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// Source identifies where a node descriptor came from
type Source string

const (
	SourceStore Source = "store"
	SourceFile  Source = "file"
)

// sourcePriority orders sources; later sources win on id collisions
var sourcePriority = []Source{SourceStore, SourceFile}

// ErrInvalidNode is returned for descriptors that fail validation
var ErrInvalidNode = errors.New("invalid node descriptor")

// Node describes one remote agent reachable by the gateway
type Node struct {
	ID      string `toml:"id" json:"id" validate:"required,max=128,excludesall=/?#"`
	Name    string `toml:"name" json:"name"`
	BaseURL string `toml:"base_url" json:"base_url" validate:"required,url"`
	Secret  string `toml:"secret" json:"-" validate:"required"`
	Source  Source `toml:"-" json:"source"`
}

type snapshot struct {
	byID  map[string]Node
	order []string
}

// Registry is safe for concurrent use. Lookups never block and never see a
// partially applied update.
type Registry struct {
	current atomic.Pointer[snapshot]

	mu       sync.Mutex // serializes writers
	sources  map[Source][]Node
	validate *validator.Validate
	logger   *slog.Logger

	onChange []func(n int)
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sources:  make(map[Source][]Node),
		validate: validator.New(),
		logger:   logger.With("component", "nodes"),
	}
	r.current.Store(&snapshot{byID: map[string]Node{}})
	return r
}

// OnChange registers a callback invoked with the node count after every
// successful Replace. Callbacks run in registration order while the writer
// lock is held, so they must not call Replace. Register them before the
// registry is shared.
func (r *Registry) OnChange(fn func(n int)) {
	r.onChange = append(r.onChange, fn)
}

// Lookup returns the descriptor for id
func (r *Registry) Lookup(id string) (Node, bool) {
	n, ok := r.current.Load().byID[id]
	return n, ok
}

// List returns all nodes sorted by id
func (r *Registry) List() []Node {
	s := r.current.Load()
	out := make([]Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

// Validate checks a descriptor
func (r *Registry) Validate(n Node) error {
	if err := r.validate.Struct(n); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidNode, n.ID, err)
	}
	u, err := url.Parse(n.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w %q: base_url must be an absolute http(s) URL", ErrInvalidNode, n.ID)
	}
	return nil
}

// Replace swaps the full node set of one source. The set is validated as a
// whole; on error nothing changes.
func (r *Registry) Replace(src Source, nodes []Node) error {
	seen := make(map[string]bool, len(nodes))
	set := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if err := r.Validate(n); err != nil {
			return err
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate id %q in %s", ErrInvalidNode, n.ID, src)
		}
		seen[n.ID] = true
		n.Source = src
		set = append(set, n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src] = set
	s := r.build()
	r.current.Store(s)

	r.logger.Info("node set replaced", "source", src, "nodes", len(set), "total", len(s.order))
	// Under r.mu so observers see counts in the order snapshots were stored
	for _, fn := range r.onChange {
		fn(len(s.order))
	}
	return nil
}

// build merges all sources. Caller holds r.mu.
func (r *Registry) build() *snapshot {
	s := &snapshot{byID: make(map[string]Node)}
	for _, src := range sourcePriority {
		for _, n := range r.sources[src] {
			if prev, ok := s.byID[n.ID]; ok && prev.Source != n.Source {
				r.logger.Debug("node overridden", "id", n.ID, "by", n.Source, "was", prev.Source)
			}
			s.byID[n.ID] = n
		}
	}
	s.order = make([]string, 0, len(s.byID))
	for id := range s.byID {
		s.order = append(s.order, id)
	}
	sort.Strings(s.order)
	return s
}
