package sqlindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/nainya/tagstore/pkg/index"
	"github.com/nainya/tagstore/pkg/index/indextest"
)

func newTestIndex(t *testing.T) index.Index {
	t.Helper()
	ix, err := Open(Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "tags.sqlite"),
	})
	require.NoError(t, err)
	return ix
}

func TestIndexSuite(t *testing.T) {
	indextest.Run(t, newTestIndex)
}

func TestInMemorySQLite(t *testing.T) {
	ix, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer ix.Close()

	ctx := context.Background()
	require.NoError(t, ix.Update(ctx, func(w index.Writer) error {
		return w.Add(indextest.Sample("mem", 0, map[string]string{"a": "1"}))
	}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchemaIndexes(t *testing.T) {
	ix, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer ix.Close()

	m := ix.db.Migrator()
	assert.True(t, m.HasIndex(&tagRow{}, "idx_tags_name"))
	assert.True(t, m.HasIndex(&tagRow{}, "idx_tags_last_updated"))
	assert.True(t, m.HasIndex(&attributeRow{}, "idx_attr_pair"))
	assert.True(t, m.HasIndex(&componentRow{}, "idx_comp_tag_pos"))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicate(errors.New("constraint failed: UNIQUE constraint failed: tags.name (2067)")))
	assert.True(t, isDuplicate(errors.New(`ERROR: duplicate key value violates unique constraint "idx_tags_name"`)))
	assert.True(t, isDuplicate(errors.New("Error 1062: Duplicate entry 'x' for key 'idx_tags_name'")))
	assert.False(t, isDuplicate(errors.New("connection refused")))
}

func TestClosedIndex(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Close())
	assert.Error(t, ix.Ping(context.Background()))
}

func TestDeleteRemovesChildRows(t *testing.T) {
	ix, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer ix.Close()

	ctx := context.Background()
	require.NoError(t, ix.Update(ctx, func(w index.Writer) error {
		return w.Add(indextest.Sample("gone", 0, map[string]string{"a": "1", "b": "2"}))
	}))
	require.NoError(t, ix.Update(ctx, func(w index.Writer) error {
		ok, err := w.Delete("gone")
		assert.True(t, ok)
		return err
	}))

	var attrs, comps int64
	require.NoError(t, ix.db.Model(&attributeRow{}).Count(&attrs).Error)
	require.NoError(t, ix.db.Model(&componentRow{}).Count(&comps).Error)
	assert.Zero(t, attrs)
	assert.Zero(t, comps)
}

func TestChildRowsReferenceTags(t *testing.T) {
	ix, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer ix.Close()

	// a child without its tag is refused
	err = ix.db.Create(&attributeRow{TagID: 999, Key: "k", Value: "v"}).Error
	assert.Error(t, err)

	ctx := context.Background()
	require.NoError(t, ix.Update(ctx, func(w index.Writer) error {
		return w.Add(indextest.Sample("parent", 0, map[string]string{"a": "1"}))
	}))

	// removing the tag row alone takes its children with it
	require.NoError(t, ix.db.Where("name = ?", "parent").Delete(&tagRow{}).Error)
	var comps int64
	require.NoError(t, ix.db.Model(&componentRow{}).Count(&comps).Error)
	assert.Zero(t, comps)
}

// offlineMySQL builds statements with the MySQL dialect without connecting
func offlineMySQL(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "tags:secret@tcp(127.0.0.1:3306)/tags",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestWriterLocksTagRow(t *testing.T) {
	db := offlineMySQL(t)

	toSQL := func(lock bool) string {
		return db.ToSQL(func(tx *gorm.DB) *gorm.DB {
			var rows []tagRow
			return (&txn{db: tx, lock: lock}).byName("release").Find(&rows)
		})
	}
	assert.Contains(t, toSQL(true), "FOR UPDATE")
	assert.NotContains(t, toSQL(false), "FOR UPDATE")
}

func TestSQLiteSkipsRowLocks(t *testing.T) {
	ix, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer ix.Close()
	assert.False(t, ix.rowLocks)
}

func TestMySQLDSN(t *testing.T) {
	dsn, err := mysqlDSN("tags:secret@tcp(db:3306)/tags?parseTime=true")
	require.NoError(t, err)
	assert.Contains(t, dsn, "clientFoundRows=true")
	assert.Contains(t, dsn, "parseTime=true")

	_, err = mysqlDSN("not a dsn")
	assert.Error(t, err)
}

func TestMySQLTablesUseBinaryCollation(t *testing.T) {
	db := offlineMySQL(t)

	opts, ok := migrationSession(db, DriverMySQL).Get("gorm:table_options")
	require.True(t, ok)
	assert.Contains(t, opts, "utf8mb4_bin")

	_, ok = migrationSession(db, DriverPostgres).Get("gorm:table_options")
	assert.False(t, ok)
}
