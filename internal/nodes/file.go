// ABOUTME: TOML nodes file loading and hot reload via fsnotify
// ABOUTME: A malformed file is logged and the previous node set stays in effect

package nodes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// fileFormat is the nodes file layout:
//
//	[[node]]
//	id = "agent-7"
//	name = "Build agent 7"
//	base_url = "http://10.0.0.7:9100"
//	secret = "..."
type fileFormat struct {
	Node []Node `toml:"node"`
}

// LoadFile parses a nodes file. Unknown keys are an error.
func LoadFile(path string) ([]Node, error) {
	var f fileFormat
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("parsing nodes file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parsing nodes file: unknown keys %s", strings.Join(keys, ", "))
	}
	return f.Node, nil
}

// ReloadFile replaces the file source from path
func (r *Registry) ReloadFile(path string) error {
	nodes, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Replace(SourceFile, nodes)
}

// WatchFile reloads the file source whenever path changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (r *Registry) WatchFile(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving nodes file: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	r.logger.Info("watching nodes file", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.ReloadFile(abs); err != nil {
				r.logger.Warn("nodes file reload failed, keeping previous nodes", "path", abs, "error", err)
				continue
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("nodes watcher error", "error", err)
		}
	}
}
