package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SQLiteStore implements Store on the shared SQLite database. Each version
// is a row; the newest row of a guid carries is_current = 1.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates the instance tables on db and returns the store.
func NewSQLite(ctx context.Context, gdb *gorm.DB) (*SQLiteStore, error) {
	db, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying SQL DB: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteStore) Close(ctx context.Context) error {
	return nil
}

// RetainsHistory implements Store.
func (s *SQLiteStore) RetainsHistory() bool {
	return true
}

// Current implements Store.
func (s *SQLiteStore) Current(ctx context.Context, guid string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM instances WHERE guid = ? AND is_current = 1`, guid)
	return scanRecord(row)
}

// AsOf implements Store.
func (s *SQLiteStore) AsOf(ctx context.Context, guid string, t time.Time) (*Record, error) {
	query := `
		SELECT body FROM instances
		WHERE guid = ? AND valid_from <= ?
		ORDER BY valid_from DESC, rowid DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, guid, t.UnixNano())
	return scanRecord(row)
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, guid string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM instances WHERE guid = ? ORDER BY valid_from, rowid`, guid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	h := rec.Header()
	if h.GUID == "" {
		return fmt.Errorf("record has no guid")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	end1, end2 := rec.Ends()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE instances SET is_current = 0 WHERE guid = ? AND is_current = 1`, h.GUID); err != nil {
		return fmt.Errorf("marking old version: %w", err)
	}

	query := `
		INSERT INTO instances (version_id, guid, version, is_current, kind, type_guid, home_id, status,
		                       end1_guid, end2_guid, valid_from, body)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		uuid.New().String(),
		h.GUID,
		h.Version,
		string(rec.Kind),
		h.Type.TypeDefGUID,
		h.MetadataCollectionID,
		string(h.Status),
		nullString(end1),
		nullString(end2),
		rec.ValidFrom.UnixNano(),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	return tx.Commit()
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, guid string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE guid = ?`, guid)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Rename implements Store. Stored bodies are rewritten so every version
// carries the new guid.
func (s *SQLiteStore) Rename(ctx context.Context, guid, newGUID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE guid = ?`, newGUID).Scan(&taken); err != nil {
		return err
	}
	if taken > 0 {
		return fmt.Errorf("guid %s is already stored", newGUID)
	}

	rows, err := tx.QueryContext(ctx, `SELECT rowid, body FROM instances WHERE guid = ?`, guid)
	if err != nil {
		return err
	}
	bodies := make(map[int64]string)
	for rows.Next() {
		var rowid int64
		var body string
		if err := rows.Scan(&rowid, &body); err != nil {
			rows.Close()
			return err
		}
		bodies[rowid] = body
	}
	rows.Close()
	if len(bodies) == 0 {
		return ErrNotFound
	}

	for rowid, body := range bodies {
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}
		rec.Header().GUID = newGUID
		updated, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE instances SET guid = ?, body = ? WHERE rowid = ?`, newGUID, string(updated), rowid); err != nil {
			return fmt.Errorf("renaming version: %w", err)
		}
	}
	return tx.Commit()
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, f Filter, fn func(*Record) bool) error {
	where, args := filterClause("", f)
	query := `SELECT body FROM instances WHERE is_current = 1` + where + ` ORDER BY guid`
	return s.scan(ctx, query, args, fn)
}

// ScanAsOf implements Store.
func (s *SQLiteStore) ScanAsOf(ctx context.Context, f Filter, t time.Time, fn func(*Record) bool) error {
	where, args := filterClause("i.", f)
	query := `
		SELECT i.body FROM instances i
		WHERE i.rowid = (
			SELECT j.rowid FROM instances j
			WHERE j.guid = i.guid AND j.valid_from <= ?
			ORDER BY j.valid_from DESC, j.rowid DESC
			LIMIT 1
		)` + where + `
		ORDER BY i.guid
	`
	return s.scan(ctx, query, append([]interface{}{t.UnixNano()}, args...), fn)
}

func (s *SQLiteStore) scan(ctx context.Context, query string, args []interface{}, fn func(*Record) bool) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	// Drain before calling fn so callbacks may use the connection.
	records, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, rec := range records {
		if !fn(rec) {
			break
		}
	}
	return nil
}

// filterClause renders f as additional AND conditions on columns with the
// given prefix.
func filterClause(prefix string, f Filter) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		sb.WriteString(" AND " + prefix + "kind IN (" + strings.Join(placeholders, ",") + ")")
	}
	if len(f.TypeGUIDs) > 0 {
		placeholders := make([]string, len(f.TypeGUIDs))
		for i, t := range f.TypeGUIDs {
			placeholders[i] = "?"
			args = append(args, t)
		}
		sb.WriteString(" AND " + prefix + "type_guid IN (" + strings.Join(placeholders, ",") + ")")
	}
	if f.HomeID != "" {
		sb.WriteString(" AND " + prefix + "home_id = ?")
		args = append(args, f.HomeID)
	}
	return sb.String(), args
}

// Relationships implements Store.
func (s *SQLiteStore) Relationships(ctx context.Context, entityGUID string) ([]*Record, error) {
	query := `
		SELECT body FROM instances
		WHERE is_current = 1 AND kind = ? AND (end1_guid = ? OR end2_guid = ?)
		ORDER BY guid
	`
	rows, err := s.db.QueryContext(ctx, query, string(KindRelationship), entityGUID, entityGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// TypeInUse implements Store.
func (s *SQLiteStore) TypeInUse(ctx context.Context, typeGUID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM instances WHERE is_current = 1 AND type_guid = ?)`, typeGUID).Scan(&exists)
	return exists == 1, err
}

func scanRecord(row *sql.Row) (*Record, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(body)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func decodeRecord(body string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
