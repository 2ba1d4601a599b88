package store

import (
	"fmt"

	"go.uber.org/zap"

	// Database drivers for the SQL-backed store.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/session"
)

// Provide creates the session store selected by the configuration, returning
// the store and a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (session.Store, func() error, error) {
	if log == nil {
		log = logger.Default()
	}

	switch cfg.Sessions.StoreBackend {
	case "memory":
		log.Info("using in-memory session store")
		s := NewMemoryStore()
		return s, s.Close, nil

	case "file":
		log.Info("using file session store", zap.String("dir", cfg.Sessions.StoreDir))
		s, err := NewFileStore(cfg.Sessions.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "sqlite":
		log.Info("using sqlite session store", zap.String("path", cfg.Sessions.SQLitePath))
		s, err := NewSQLStore("sqlite3", cfg.Sessions.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "postgres":
		log.Info("using postgres session store")
		s, err := NewSQLStore("pgx", cfg.Sessions.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown session store backend: %q", cfg.Sessions.StoreBackend)
}
