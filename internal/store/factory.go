package store

import (
	"log/slog"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// New builds the configured backend. Dimensions come from the
// embedder, not the config file, so the store always matches the
// provider actually in use.
func New(cfg *config.Config, dimensions int, logger *slog.Logger) (Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendEmbedded, "":
		return NewEmbeddedStore(EmbeddedConfig{
			Path:           cfg.EmbeddedStorePath(),
			Dimensions:     dimensions,
			Metric:         cfg.Storage.Embedded.Metric,
			M:              cfg.Storage.Embedded.M,
			EfConstruction: cfg.Storage.Embedded.EfConstruction,
		}, logger), nil
	case config.BackendRelational:
		return NewRelationalStore(RelationalConfig{
			ConnString:         cfg.ConnectionString(),
			Dimensions:         dimensions,
			Language:           cfg.Storage.Relational.Language,
			PoolSize:           cfg.Storage.Relational.PoolSize,
			MaxOverflow:        cfg.Storage.Relational.PoolMaxOverflow,
			HNSWM:              cfg.Storage.Relational.HNSWM,
			HNSWEfConstruction: cfg.Storage.Relational.HNSWEfConstruction,
		}, logger), nil
	default:
		return nil, aberrors.Newf(aberrors.KindConfiguration,
			"unknown storage backend %q (valid: embedded, relational)", cfg.Storage.Backend)
	}
}
