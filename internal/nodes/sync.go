// ABOUTME: Loads persisted node descriptors into the registry
// ABOUTME: The store source is loaded at startup and then polled for CLI changes

package nodes

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/2389/fleet-gateway/internal/store"
)

// NodeLister is the part of the store the registry reads
type NodeLister interface {
	ListNodes(ctx context.Context) ([]*store.Node, error)
}

// SyncStore replaces the store source with the persisted nodes
func (r *Registry) SyncStore(ctx context.Context, lister NodeLister) error {
	nodes, err := listStore(ctx, lister)
	if err != nil {
		return err
	}
	return r.Replace(SourceStore, nodes)
}

// PollStore re-reads the store source every interval until ctx ends, so
// nodes added or removed by the CLI reach a running gateway. An unchanged
// set is not republished. Failed reads are logged and keep the previous set.
func (r *Registry) PollStore(ctx context.Context, lister NodeLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		nodes, err := listStore(ctx, lister)
		if err == nil && r.holds(SourceStore, nodes) {
			continue
		}
		if err == nil {
			err = r.Replace(SourceStore, nodes)
		}
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("refreshing nodes from store, keeping previous set", "error", err)
		}
	}
}

// holds reports whether src already carries exactly nodes
func (r *Registry) holds(src Source, nodes []Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.EqualFunc(r.sources[src], nodes, func(a, b Node) bool {
		return a.ID == b.ID && a.Name == b.Name && a.BaseURL == b.BaseURL && a.Secret == b.Secret
	})
}

func listStore(ctx context.Context, lister NodeLister) ([]Node, error) {
	stored, err := lister.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	nodes := make([]Node, 0, len(stored))
	for _, n := range stored {
		nodes = append(nodes, Node{
			ID:      n.ID,
			Name:    n.Name,
			BaseURL: n.BaseURL,
			Secret:  n.Secret,
		})
	}
	return nodes, nil
}
