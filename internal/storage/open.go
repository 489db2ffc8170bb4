package storage

import (
	"context"
	"path/filepath"

	"github.com/zsprackett/agent-relay/internal/config"
)

// Open builds and initializes the provider selected by cfg. It returns a nil
// Provider when persistence is disabled.
func Open(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	kind, err := ParseKind(cfg.Type)
	if err != nil {
		return nil, err
	}
	var p Provider
	switch kind {
	case KindNone:
		return nil, nil
	case KindMemory:
		p = NewMemory()
	case KindFile:
		dir := cfg.Path
		if dir == "" {
			dir = filepath.Join(config.DataDir(), "storage")
		}
		p = NewFile(dir)
	case KindSQLite:
		path := cfg.Path
		if path == "" {
			path = config.DBPath()
		}
		p = NewSQLite(path)
	}
	if err := p.Initialize(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}
