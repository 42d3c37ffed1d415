package state

import (
	"context"
	"fmt"
	"path/filepath"
)

// BackendConfig selects and configures a Store implementation.
type BackendConfig struct {
	Type   string            `yaml:"type" json:"type"` // "memory", "local", "sqlite", "badger", "s3", "gcs"
	Config map[string]string `yaml:"config" json:"config"`
}

// NewStore creates a state store from configuration. Payloads are encrypted
// when EncryptionKeyEnvVar is set.
func NewStore(ctx context.Context, cfg *BackendConfig) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}
	cipher, err := CipherFromEnv()
	if err != nil {
		return nil, err
	}
	get := func(key, def string) string {
		if v := cfg.Config[key]; v != "" {
			return v
		}
		return def
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "local", "":
		return NewFileStore(get("path", filepath.Join(".fleetform", "state.json")), cipher), nil
	case "sqlite":
		return OpenSQLiteStore(get("path", filepath.Join(".fleetform", "state.db")), cipher)
	case "badger":
		return OpenBadgerStore(BadgerOptions{
			Path:       get("path", filepath.Join(".fleetform", "badger")),
			SyncWrites: get("sync_writes", "true") == "true",
		}, cipher)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:  cfg.Config["bucket"],
			Prefix:  cfg.Config["prefix"],
			Region:  cfg.Config["region"],
			Profile: cfg.Config["profile"],
		}, cipher)
	case "gcs":
		return NewGCSStore(ctx, GCSOptions{
			Bucket:          cfg.Config["bucket"],
			Prefix:          cfg.Config["prefix"],
			CredentialsFile: cfg.Config["credentials_file"],
		}, cipher)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
