// ABOUTME: Tag index backed by a relational database through gorm
// ABOUTME: Unique name index, attribute pair index and bound-parameter search joins

package sqlindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nainya/tagstore/pkg/index"
	"github.com/nainya/tagstore/pkg/tag"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config selects the database and sizes its connection pool
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Logger receives gorm's statement log. Nil keeps gorm silent.
	Logger gormlogger.Interface
}

// Index stores tags in three tables. The unique index on tags.name decides
// races between concurrent creators; writers lock the tag row they change.
type Index struct {
	db    *gorm.DB
	sqlDB *sql.DB

	// rowLocks is false for sqlite, whose single connection already
	// serializes writers
	rowLocks bool
}

var _ index.Index = (*Index)(nil)

// Open connects, sizes the pool and migrates the schema
func Open(cfg Config) (*Index, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gcfg := &gorm.Config{TranslateError: true}
	if cfg.Logger != nil {
		gcfg.Logger = cfg.Logger
	} else {
		gcfg.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// One connection serializes writers and keeps in-memory databases alive
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := migrationSession(db, cfg.Driver).AutoMigrate(&tagRow{}, &attributeRow{}, &componentRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Index{db: db, sqlDB: sqlDB, rowLocks: cfg.Driver != DriverSQLite}, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return sqlite.Open(cfg.DSN), nil
	case DriverPostgres:
		return postgres.Open(cfg.DSN), nil
	case DriverMySQL:
		dsn, err := mysqlDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres, mysql)", cfg.Driver)
	}
}

// migrationSession gives MySQL tables a binary collation so name and
// attribute equality stay case sensitive
func migrationSession(db *gorm.DB, driver string) *gorm.DB {
	if driver == DriverMySQL {
		return db.Set("gorm:table_options", mysqlTableOptions)
	}
	return db
}

const mysqlTableOptions = "CHARSET=utf8mb4 COLLATE=utf8mb4_bin"

// mysqlDSN makes MySQL report matched rather than changed rows, so an
// update that rewrites identical values still counts its row.
func mysqlDSN(dsn string) (string, error) {
	mc, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ClientFoundRows = true
	return mc.FormatDSN(), nil
}

// View runs fn in a database transaction
func (ix *Index) View(ctx context.Context, fn func(r index.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txn{db: tx})
	})
}

// Update runs fn in a database transaction that commits when fn returns nil
func (ix *Index) Update(ctx context.Context, fn func(w index.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txn{db: tx, lock: ix.rowLocks})
	})
}

// Count returns the number of rows in tags
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int64
	if err := ix.db.WithContext(ctx).Model(&tagRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count tags: %w", err)
	}
	return int(n), nil
}

// Ping checks the database connection
func (ix *Index) Ping(ctx context.Context) error {
	return ix.sqlDB.PingContext(ctx)
}

// Close closes the connection pool
func (ix *Index) Close() error {
	return ix.sqlDB.Close()
}

type txn struct {
	db *gorm.DB

	// lock takes FOR UPDATE on rows read inside Update
	lock bool
}

// byName selects the tag row, locking it for the rest of a write transaction
func (t *txn) byName(name string) *gorm.DB {
	q := t.db
	if t.lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q.Where("name = ?", name).Limit(1)
}

func (t *txn) findRow(name string) (*tagRow, error) {
	var rows []tagRow
	if err := t.byName(name).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find tag %q: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *txn) FindByName(name string) (*tag.Tag, bool, error) {
	row, err := t.findRow(name)
	if err != nil || row == nil {
		return nil, false, err
	}
	tags, err := t.hydrate([]tagRow{*row})
	if err != nil {
		return nil, false, err
	}
	return tags[0], true, nil
}

func (t *txn) Search(attrs map[string]string) ([]*tag.Tag, error) {
	q := t.db.Model(&tagRow{}).Select("tags.*")
	for i, k := range slices.Sorted(maps.Keys(attrs)) {
		alias := fmt.Sprintf("a%d", i)
		q = q.Joins(
			fmt.Sprintf("JOIN tag_attributes %[1]s ON %[1]s.tag_id = tags.id AND %[1]s.attr_key = ? AND %[1]s.attr_value = ?", alias),
			k, attrs[k],
		)
	}

	var rows []tagRow
	if err := q.Order("tags.last_updated DESC").Order("tags.name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}
	return t.hydrate(rows)
}

// hydrate loads attributes and components for rows, preserving row order
func (t *txn) hydrate(rows []tagRow) ([]*tag.Tag, error) {
	out := make([]*tag.Tag, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	byID := make(map[uint]*tag.Tag, len(rows))
	ids := make([]uint, len(rows))
	for i := range rows {
		out[i] = rows[i].toTag()
		byID[rows[i].ID] = out[i]
		ids[i] = rows[i].ID
	}

	var attrs []attributeRow
	if err := t.db.Where("tag_id IN ?", ids).Find(&attrs).Error; err != nil {
		return nil, fmt.Errorf("load attributes: %w", err)
	}
	for _, a := range attrs {
		byID[a.TagID].Attributes[a.Key] = a.Value
	}

	var comps []componentRow
	if err := t.db.Where("tag_id IN ?", ids).Order("tag_id").Order("position").Find(&comps).Error; err != nil {
		return nil, fmt.Errorf("load components: %w", err)
	}
	for i := range comps {
		tg := byID[comps[i].TagID]
		tg.Components = append(tg.Components, comps[i].toComponent())
	}
	return out, nil
}

func (t *txn) Add(tg *tag.Tag) error {
	existing, err := t.findRow(tg.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("add %q: %w", tg.Name, index.ErrDuplicateName)
	}

	row := tagRow{
		Name:         tg.Name,
		FirstCreated: tg.FirstCreated.UnixNano(),
		LastUpdated:  tg.LastUpdated.UnixNano(),
	}
	if err := t.db.Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("add %q: %w", tg.Name, index.ErrDuplicateName)
		}
		return fmt.Errorf("insert tag %q: %w", tg.Name, err)
	}
	return t.writeChildren(row.ID, tg)
}

func (t *txn) Edit(tg *tag.Tag) error {
	row, err := t.findRow(tg.Name)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("edit %q: %w", tg.Name, tag.ErrNotFound)
	}

	res := t.db.Model(row).Updates(map[string]any{
		"first_created": tg.FirstCreated.UnixNano(),
		"last_updated":  tg.LastUpdated.UnixNano(),
	})
	if res.Error != nil {
		return fmt.Errorf("update tag %q: %w", tg.Name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("edit %q: %w", tg.Name, tag.ErrNotFound)
	}
	if err := t.deleteChildren(row.ID); err != nil {
		return err
	}
	return t.writeChildren(row.ID, tg)
}

func (t *txn) Delete(name string) (bool, error) {
	row, err := t.findRow(name)
	if err != nil || row == nil {
		return false, err
	}
	res := t.db.Delete(&tagRow{}, row.ID)
	if res.Error != nil {
		return false, fmt.Errorf("delete tag %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	// Cascades remove the children; this covers databases that ignore them
	if err := t.deleteChildren(row.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (t *txn) writeChildren(id uint, tg *tag.Tag) error {
	if len(tg.Attributes) > 0 {
		attrs := make([]attributeRow, 0, len(tg.Attributes))
		for _, k := range slices.Sorted(maps.Keys(tg.Attributes)) {
			attrs = append(attrs, attributeRow{TagID: id, Key: k, Value: tg.Attributes[k]})
		}
		if err := t.db.Create(&attrs).Error; err != nil {
			return fmt.Errorf("insert attributes of %q: %w", tg.Name, err)
		}
	}

	if len(tg.Components) > 0 {
		comps := make([]componentRow, len(tg.Components))
		for i, c := range tg.Components {
			comps[i] = componentRow{
				TagID:      id,
				Position:   i,
				Repository: c.Repository,
				GroupName:  c.Group,
				Name:       c.Name,
				Version:    c.Version,
			}
		}
		if err := t.db.Create(&comps).Error; err != nil {
			return fmt.Errorf("insert components of %q: %w", tg.Name, err)
		}
	}
	return nil
}

func (t *txn) deleteChildren(id uint) error {
	if err := t.db.Where("tag_id = ?", id).Delete(&attributeRow{}).Error; err != nil {
		return fmt.Errorf("delete attributes: %w", err)
	}
	if err := t.db.Where("tag_id = ?", id).Delete(&componentRow{}).Error; err != nil {
		return fmt.Errorf("delete components: %w", err)
	}
	return nil
}

// isDuplicate recognizes unique violations from drivers that do not
// translate errors themselves.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
