package lock

import (
	"context"
	"fmt"
	"path/filepath"
)

// BackendConfig selects a Manager implementation.
type BackendConfig struct {
	Type   string            `yaml:"type" json:"type"` // "memory", "sqlite", "dynamodb"
	Config map[string]string `yaml:"config" json:"config"`
}

// New creates a lock manager from configuration.
func New(ctx context.Context, cfg *BackendConfig, opts ...Option) (Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("lock configuration is nil")
	}
	switch cfg.Type {
	case "memory", "":
		return NewMemoryManager(opts...), nil
	case "sqlite":
		path := cfg.Config["path"]
		if path == "" {
			path = filepath.Join(".fleetform", "locks.db")
		}
		return OpenSQLiteManager(path, opts...)
	case "dynamodb":
		return NewDynamoManager(ctx, DynamoOptions{
			Table:   cfg.Config["table"],
			Region:  cfg.Config["region"],
			Profile: cfg.Config["profile"],
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", cfg.Type)
	}
}
