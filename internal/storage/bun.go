package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/rojkov/bureaucrat/internal/domain"
)

// kvModel is the single flat table backing BunKVStore: every bucket/key
// pair this engine ever persists (definitions, process snapshots,
// schedule entries, subscriptions) lands in one row.
type kvModel struct {
	bun.BaseModel `bun:"table:bureaucrat_kv,alias:kv"`

	Bucket string `bun:"bucket,pk"`
	Key    string `bun:"key,pk"`
	Value  []byte `bun:"value,type:bytea"`
}

// BunKVStore is the optional Postgres-backed Storage implementation.
// Locking falls back to an in-process mutex: the single-lock model
// assumes one daemon process per storage root, which holds equally
// whether that root is a directory or a database DSN.
type BunKVStore struct {
	db *bun.DB
	mu sync.Mutex
}

// NewBunKVStore opens a Postgres connection via dsn and wires up bun
// with pgdialect.
func NewBunKVStore(dsn string) *BunKVStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &BunKVStore{db: db}
}

// InitSchema creates the backing table if it does not already exist.
func (s *BunKVStore) InitSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*kvModel)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to initialize storage schema", err)
	}
	return nil
}

func (s *BunKVStore) Put(bucket, key string, value []byte) error {
	ctx := context.Background()
	model := &kvModel{Bucket: bucket, Key: key, Value: value}
	_, err := s.db.NewInsert().Model(model).
		On("CONFLICT (bucket, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to store value", err)
	}
	return nil
}

func (s *BunKVStore) Get(bucket, key string) ([]byte, error) {
	ctx := context.Background()
	model := new(kvModel)
	err := s.db.NewSelect().Model(model).
		Where("bucket = ?", bucket).Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFoundKey
	}
	if err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to read value", err)
	}
	return model.Value, nil
}

func (s *BunKVStore) Delete(bucket, key string) error {
	ctx := context.Background()
	_, err := s.db.NewDelete().Model((*kvModel)(nil)).
		Where("bucket = ?", bucket).Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to delete value", err)
	}
	return nil
}

func (s *BunKVStore) Keys(bucket string) ([]string, error) {
	ctx := context.Background()
	var models []kvModel
	err := s.db.NewSelect().Model(&models).Where("bucket = ?", bucket).Scan(ctx)
	if err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to list bucket", err)
	}
	keys := make([]string, 0, len(models))
	for _, m := range models {
		keys = append(keys, m.Key)
	}
	return keys, nil
}

// Lock serializes access in-process; Postgres itself arbitrates across
// processes via the unique (bucket, key) constraint on writes.
func (s *BunKVStore) Lock() (func(), error) {
	s.mu.Lock()
	return s.mu.Unlock, nil
}

var _ domain.Storage = (*BunKVStore)(nil)
