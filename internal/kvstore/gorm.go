package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GormStore implements Store on top of a GORM connection. The locking
// clause is a construction-time capability: the postgres opener supplies
// FOR UPDATE, the sqlite opener supplies none and serializes writers with a
// single connection instead.
type GormStore struct {
	db      *gorm.DB
	locking []clause.Expression
	clock   func() time.Time
}

func newGormStore(db *gorm.DB, locking []clause.Expression) *GormStore {
	return &GormStore{
		db:      db,
		locking: locking,
		clock:   time.Now,
	}
}

// DB exposes the underlying handle so callers can close the connection pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Get(ctx context.Context, key string) (*Row, error) {
	var row Row
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *GormStore) Set(ctx context.Context, key string, value string) error {
	row := Row{Key: key, Value: value, UpdatedAt: s.clock().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&Row{}).Error
}

func (s *GormStore) ScanPrefix(ctx context.Context, prefix string) ([]Row, error) {
	var rows []Row
	pattern := likeEscaper.Replace(prefix) + "%"
	err := s.db.WithContext(ctx).
		Where("key LIKE ? ESCAPE '\\'", pattern).
		Order("key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *GormStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{tx: tx, locking: s.locking, clock: s.clock})
	})
}

type gormTx struct {
	tx      *gorm.DB
	locking []clause.Expression
	clock   func() time.Time
}

func (t *gormTx) GetForUpdate(key string) (*Row, error) {
	query := t.tx.Where("key = ?", key)
	if len(t.locking) > 0 {
		query = query.Clauses(t.locking...)
	}
	var row Row
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (t *gormTx) Set(key string, value string) error {
	row := Row{Key: key, Value: value, UpdatedAt: t.clock().UTC()}
	return t.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (t *gormTx) Insert(key string, value string) error {
	row := Row{Key: key, Value: value, UpdatedAt: t.clock().UTC()}
	err := t.tx.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	return err
}

func (t *gormTx) Delete(key string) error {
	return t.tx.Where("key = ?", key).Delete(&Row{}).Error
}
