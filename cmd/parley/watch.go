package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/tools"
)

// serverFileSync keeps the tool registry aligned with a standalone YAML
// server list. Servers it registered that vanish from the file are
// unregistered; servers added to the file are registered.
type serverFileSync struct {
	registry *tools.Registry
	path     string
	managed  map[string]bool
}

type serversFile struct {
	Servers []*config.ToolServerConfig `yaml:"servers"`
}

func newServerFileSync(registry *tools.Registry, path string) *serverFileSync {
	return &serverFileSync{
		registry: registry,
		path:     path,
		managed:  make(map[string]bool),
	}
}

// Apply reconciles the registry against the file's current content.
func (s *serverFileSync) Apply(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file serversFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	current := make(map[string]bool, len(file.Servers))
	for _, srv := range file.Servers {
		if srv == nil {
			continue
		}
		current[srv.ID] = true
		if s.managed[srv.ID] {
			// Re-register picks up config edits and refreshes the catalog.
			if err := s.registry.Unregister(srv.ID); err != nil {
				slog.Warn("tool server refresh failed", "server_id", srv.ID, "error", err)
			}
		}
		if err := s.registry.Register(ctx, srv); err != nil {
			slog.Error("tool server registration failed", "server_id", srv.ID, "error", err)
			continue
		}
		s.managed[srv.ID] = true
	}

	for id := range s.managed {
		if !current[id] {
			if err := s.registry.Unregister(id); err != nil {
				slog.Warn("tool server removal failed", "server_id", id, "error", err)
			}
			delete(s.managed, id)
		}
	}
	return nil
}

// Watch re-applies the file on change until the returned stop function is
// called. The parent directory is watched because editors replace files.
func (s *serverFileSync) Watch(ctx context.Context) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Base(s.path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce: editors fire several events per save.
				pending = time.After(250 * time.Millisecond)
			case <-pending:
				pending = nil
				slog.Info("tool servers file changed, reloading", "path", s.path)
				if err := s.Apply(ctx); err != nil {
					slog.Error("tool servers file reload failed", "path", s.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("tool servers file watch error", "error", err)
			}
		}
	}()

	return func() {
		watcher.Close()
		<-done
	}, nil
}
