package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const schema = `CREATE TABLE IF NOT EXISTS files (
	seq          BIGINT AUTO_INCREMENT PRIMARY KEY,
	id           VARCHAR(36)  NOT NULL UNIQUE,
	object_key   VARCHAR(512) NOT NULL UNIQUE,
	filename     VARCHAR(255) NOT NULL,
	size         BIGINT       NULL,
	content_type VARCHAR(255) NOT NULL DEFAULT '',
	uploaded_at  DATETIME(6)  NOT NULL,
	owner        VARCHAR(255) NOT NULL DEFAULT '',
	ship_to      VARCHAR(255) NOT NULL DEFAULT '',
	INDEX idx_files_uploaded_at (uploaded_at)
)`

const selectColumns = `SELECT id, object_key, filename, size, content_type, uploaded_at, owner, ship_to FROM files`

var columns = map[filter.Field]string{
	filter.FieldID:         "id",
	filter.FieldKey:        "object_key",
	filter.FieldFilename:   "filename",
	filter.FieldSize:       "size",
	filter.FieldType:       "content_type",
	filter.FieldUploadedAt: "uploaded_at",
	filter.FieldOwner:      "owner",
	filter.FieldShipTo:     "ship_to",
}

// TiDBClient stores file records in TiDB (or any MySQL-compatible server)
type TiDBClient struct {
	db           *sql.DB
	defaultOwner string
}

// Supports reports whether c can be translated into a WHERE condition.
func (tc *TiDBClient) Supports(c filter.Condition) bool {
	_, ok := columns[c.Field()]
	return ok
}

// NewTiDBClient opens and pings the database
func NewTiDBClient(dsn, defaultOwner string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return NewTiDBClientFromDB(db, defaultOwner), nil
}

// NewTiDBClientFromDB wraps an already opened handle
func NewTiDBClientFromDB(db *sql.DB, defaultOwner string) *TiDBClient {
	return &TiDBClient{db: db, defaultOwner: defaultOwner}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// EnsureSchema creates the files table if needed
func (tc *TiDBClient) EnsureSchema(ctx context.Context) error {
	if _, err := tc.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Create inserts a file record. The id is generated here and the owner is
// taken from the request context, never from the client attributes.
func (tc *TiDBClient) Create(ctx context.Context, rec models.NewRecord) (models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.create_file",
		trace.WithAttributes(
			attribute.String("object_key", rec.Key),
			attribute.String("file_name", rec.Filename),
		),
	)
	defer span.End()

	owner, ok := models.OwnerFromContext(ctx)
	if !ok {
		owner = tc.defaultOwner
	}

	file := models.FileRecord{
		ID:         uuid.New().String(),
		Key:        rec.Key,
		Filename:   rec.Filename,
		Size:       rec.Size,
		Type:       rec.Type,
		UploadedAt: rec.UploadedAt.UTC(),
		Owner:      owner,
		ShipTo:     rec.ShipTo,
	}

	query := `INSERT INTO files (id, object_key, filename, size, content_type, uploaded_at, owner, ship_to)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query,
		file.ID, file.Key, file.Filename, nullableSize(file.Size), file.Type, file.UploadedAt, file.Owner, file.ShipTo)
	if err != nil {
		span.RecordError(err)
		return models.FileRecord{}, fmt.Errorf("failed to insert file: %w", err)
	}

	span.SetAttributes(attribute.String("file_id", file.ID))
	return file, nil
}

// Get retrieves a file record by id
func (tc *TiDBClient) Get(ctx context.Context, id string) (models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(
			attribute.String("file_id", id),
		),
	)
	defer span.End()

	row := tc.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return models.FileRecord{}, fmt.Errorf("file %s: %w", id, common.ErrRecordNotFound)
	} else if err != nil {
		span.RecordError(err)
		return models.FileRecord{}, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// Delete removes a file record by id
func (tc *TiDBClient) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_file",
		trace.WithAttributes(
			attribute.String("file_id", id),
		),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, common.ErrRecordNotFound)
	}
	return nil
}

// List returns the records matching set, newest first, ties in insert order
func (tc *TiDBClient) List(ctx context.Context, set filter.Set) ([]models.FileRecord, error) {
	where, args, err := whereClause(set)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "tidb.list_files",
		trace.WithAttributes(
			attribute.Int("condition_count", len(args)),
		),
	)
	defer span.End()

	rows, err := tc.db.QueryContext(ctx, selectColumns+where+` ORDER BY uploaded_at DESC, seq ASC`, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []models.FileRecord
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// whereClause translates a filter set into SQL. Text comparisons use a
// binary collation so they stay case sensitive like the in-process filter.
func whereClause(set filter.Set) (string, []any, error) {
	conds := set.Conditions()
	if len(conds) == 0 {
		return "", nil, nil
	}

	parts := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, c := range conds {
		col, ok := columns[c.Field()]
		if !ok {
			return "", nil, &common.InvalidPredicateError{Field: string(c.Field()), Operator: string(c.Operator()), Reason: "field has no column"}
		}
		switch {
		case c.Operator() == filter.Contains:
			parts = append(parts, col+` COLLATE utf8mb4_bin LIKE ? ESCAPE '!'`)
			args = append(args, "%"+escapeLike(c.Operand().(string))+"%")
		case c.Operator() == filter.GreaterOrEqual:
			parts = append(parts, col+` >= ?`)
			args = append(args, sqlOperand(c.Operand()))
		case c.Kind() == filter.KindText:
			parts = append(parts, col+` COLLATE utf8mb4_bin = ?`)
			args = append(args, c.Operand())
		default:
			parts = append(parts, col+` = ?`)
			args = append(args, sqlOperand(c.Operand()))
		}
	}
	return ` WHERE ` + strings.Join(parts, ` AND `), args, nil
}

func sqlOperand(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (models.FileRecord, error) {
	var (
		file models.FileRecord
		size sql.NullInt64
	)
	err := row.Scan(&file.ID, &file.Key, &file.Filename, &size, &file.Type, &file.UploadedAt, &file.Owner, &file.ShipTo)
	if err != nil {
		return models.FileRecord{}, err
	}
	if size.Valid {
		file.Size = models.Int64(size.Int64)
	}
	file.UploadedAt = file.UploadedAt.UTC()
	return file, nil
}

func nullableSize(size *int64) sql.NullInt64 {
	if size == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *size, Valid: true}
}
