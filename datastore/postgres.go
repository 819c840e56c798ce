package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	path        TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	parent_path TEXT,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS entities_kind_parent_idx ON entities (kind, parent_path);
`

type pgStore struct {
	db *sql.DB
}

// NewPostgres opens the document store on an existing database handle and
// ensures the schema exists.
func NewPostgres(ctx context.Context, db *sql.DB) (Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &pgStore{db: db}, nil
}

// OpenPostgres connects with the given DSN and initializes the store.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewPostgres(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so the operation set
// can run directly or inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func pgGet(ctx context.Context, q querier, key *Key, dest any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.Path())
	}

	const stmt = `SELECT data FROM entities WHERE path = $1`

	var data []byte
	if err := q.QueryRowContext(ctx, stmt, key.Path()).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNoSuchEntity, key)
		}

		return fmt.Errorf("failed to get %s: %w", key, err)
	}

	return json.Unmarshal(data, dest)
}

func pgPut(ctx context.Context, q querier, key *Key, doc any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.Path())
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	const stmt = `INSERT INTO entities (path, kind, parent_path, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`

	if _, err := q.ExecContext(ctx, stmt, key.Path(), key.Kind, parentPath(key), data); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	return nil
}

func pgCreate(ctx context.Context, q querier, key *Key, doc any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.Path())
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	const stmt = `INSERT INTO entities (path, kind, parent_path, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO NOTHING`

	result, err := q.ExecContext(ctx, stmt, key.Path(), key.Kind, parentPath(key), data)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}

	return nil
}

func pgDelete(ctx context.Context, q querier, key *Key) error {
	const stmt = `DELETE FROM entities WHERE path = $1`

	if _, err := q.ExecContext(ctx, stmt, key.Path()); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

func pgDeleteMulti(ctx context.Context, q querier, keys []*Key) error {
	if len(keys) == 0 {
		return nil
	}

	paths := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for i, key := range keys {
		paths = append(paths, fmt.Sprintf("$%d", i+1))
		args = append(args, key.Path())
	}

	stmt := `DELETE FROM entities WHERE path IN (` + strings.Join(paths, ", ") + `)`

	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to delete %d entities: %w", len(keys), err)
	}

	return nil
}

func pgQuery(ctx context.Context, q querier, kind string, ancestor *Key) ([]Record, error) {
	stmt := `SELECT path, data FROM entities WHERE kind = $1`
	args := []any{kind}

	if ancestor != nil {
		stmt += ` AND path LIKE $2 ESCAPE '\'`
		args = append(args, likePattern(ancestor.Path()))
	}

	stmt += ` ORDER BY path`

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}

	defer rows.Close()

	var ans []Record

	for rows.Next() {
		var (
			path string
			data []byte
		)

		if err := rows.Scan(&path, &data); err != nil {
			return nil, err
		}

		key, err := ParseKey(path)
		if err != nil {
			return nil, err
		}

		ans = append(ans, Record{Key: key, Data: data})
	}

	return ans, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds the descendant pattern for an ancestor path. Key
// names come from user-supplied ids, so LIKE metacharacters in them must
// match literally.
func likePattern(path string) string {
	return likeEscaper.Replace(path) + "/%"
}

func parentPath(key *Key) sql.NullString {
	if key.Parent == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: key.Parent.Path(), Valid: true}
}

func (s *pgStore) Get(ctx context.Context, key *Key, dest any) error {
	return pgGet(ctx, s.db, key, dest)
}

func (s *pgStore) Put(ctx context.Context, key *Key, doc any) error {
	return pgPut(ctx, s.db, key, doc)
}

func (s *pgStore) Create(ctx context.Context, key *Key, doc any) error {
	return pgCreate(ctx, s.db, key, doc)
}

func (s *pgStore) Delete(ctx context.Context, key *Key) error {
	return pgDelete(ctx, s.db, key)
}

func (s *pgStore) DeleteMulti(ctx context.Context, keys []*Key) error {
	return pgDeleteMulti(ctx, s.db, keys)
}

func (s *pgStore) Query(ctx context.Context, kind string, ancestor *Key) ([]Record, error) {
	return pgQuery(ctx, s.db, kind, ancestor)
}

func (s *pgStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, key *Key, dest any) error {
	return pgGet(ctx, t.tx, key, dest)
}

func (t *pgTx) Put(ctx context.Context, key *Key, doc any) error {
	return pgPut(ctx, t.tx, key, doc)
}

func (t *pgTx) Create(ctx context.Context, key *Key, doc any) error {
	return pgCreate(ctx, t.tx, key, doc)
}

func (t *pgTx) Delete(ctx context.Context, key *Key) error {
	return pgDelete(ctx, t.tx, key)
}

func (t *pgTx) DeleteMulti(ctx context.Context, keys []*Key) error {
	return pgDeleteMulti(ctx, t.tx, keys)
}

func (t *pgTx) Query(ctx context.Context, kind string, ancestor *Key) ([]Record, error) {
	return pgQuery(ctx, t.tx, kind, ancestor)
}
