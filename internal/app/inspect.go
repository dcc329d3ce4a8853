package app

import (
	"taskd/internal/config"
	"taskd/internal/datastore"
	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

// OpenData opens the configured store for offline inspection. The caller
// must call close when done.
func OpenData(cfgPath string, log logx.Logger) (ds *datastore.Service, close func() error, err error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	return datastore.New(store, log), store.Close, nil
}
