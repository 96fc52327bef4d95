package bureaucrat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rojkov/bureaucrat/internal/domain"
	"github.com/rojkov/bureaucrat/internal/storage"
)

func newFileStore(dir string) (domain.Storage, error) {
	return storage.NewFileStore(dir)
}

func newBunStore(dsn string) domain.Storage {
	store := storage.NewBunKVStore(dsn)
	if err := store.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage schema")
	}
	return store
}
