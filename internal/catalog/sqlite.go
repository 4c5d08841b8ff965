package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"udfhost/internal/types"
)

// SQLiteCatalog stores function definitions in a local SQLite database.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog creates or opens the catalog database at path.
func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	c := &SQLiteCatalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init catalog schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

func (c *SQLiteCatalog) initSchema() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS functions (
		db_id INTEGER NOT NULL,
		fn_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		params JSON NOT NULL,
		return_type TEXT NOT NULL,
		strict INTEGER NOT NULL,
		set_returning INTEGER NOT NULL,
		source TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (db_id, fn_id)
	)`)
	return err
}

// Define inserts or replaces a definition and returns its version token.
func (c *SQLiteCatalog) Define(ctx context.Context, def *FunctionDefinition) (uint64, error) {
	if def.Return == types.Invalid {
		return 0, fmt.Errorf("definition %s has no return type", def.Key)
	}
	params, err := json.Marshal(def.Params)
	if err != nil {
		return 0, err
	}
	version := versionOf(def)
	_, err = c.db.ExecContext(ctx, `INSERT OR REPLACE INTO functions
		(db_id, fn_id, name, params, return_type, strict, set_returning, source, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Key.DB, def.Key.Fn, def.Name, string(params), def.Return.String(),
		def.Strict, def.SetReturning, def.Source, int64(version))
	if err != nil {
		return 0, fmt.Errorf("defining %s: %w", def.Key, err)
	}
	def.Version = version
	return version, nil
}

func (c *SQLiteCatalog) Lookup(ctx context.Context, key FuncKey) (*FunctionDefinition, error) {
	row := c.db.QueryRowContext(ctx, `SELECT name, params, return_type, strict, set_returning, source, version
		FROM functions WHERE db_id = ? AND fn_id = ?`, key.DB, key.Fn)

	var (
		def       = FunctionDefinition{Key: key}
		paramsRaw string
		retName   string
		version   int64
	)
	err := row.Scan(&def.Name, &paramsRaw, &retName, &def.Strict, &def.SetReturning, &def.Source, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(paramsRaw), &def.Params); err != nil {
		return nil, fmt.Errorf("decoding params of %s: %w", key, err)
	}
	def.Return, err = types.Parse(retName)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", key, err)
	}
	def.Version = uint64(version)
	return &def, nil
}

func (c *SQLiteCatalog) CurrentVersion(ctx context.Context, key FuncKey) (uint64, error) {
	var version int64
	err := c.db.QueryRowContext(ctx, `SELECT version FROM functions WHERE db_id = ? AND fn_id = ?`,
		key.DB, key.Fn).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return uint64(version), nil
}

func (c *SQLiteCatalog) Drop(ctx context.Context, key FuncKey) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM functions WHERE db_id = ? AND fn_id = ?`, key.DB, key.Fn)
	return err
}

func (c *SQLiteCatalog) List(ctx context.Context) ([]*FunctionDefinition, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT db_id, fn_id FROM functions ORDER BY db_id, fn_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []FuncKey
	for rows.Next() {
		var k FuncKey
		if err := rows.Scan(&k.DB, &k.Fn); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	defs := make([]*FunctionDefinition, 0, len(keys))
	for _, k := range keys {
		def, err := c.Lookup(ctx, k)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
