package storage

import (
	"errors"
	"strings"

	logx "reposter/pkg/logx"
)

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err = nilIfErr(openSQLite(cfg, log))
	case "file":
		st, err = nilIfErr(openFile(cfg, log))
	case "redis":
		st, err = nilIfErr(openRedis(cfg, log))
	case "memory":
		st = NewMemory()
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("storage opened", logx.String("driver", driver))
	return st, nil
}

// nilIfErr keeps a typed nil driver pointer out of the Store interface.
func nilIfErr[T Store](st T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return st, nil
}
