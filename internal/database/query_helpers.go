package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Logger is the subset of utils.LogsManager the query helpers need.
type Logger interface {
	Error(msg, category string)
	Warn(msg, category string)
	Debug(msg, category string)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// QueryRowSingle executes a single-row query. Returns nil (no error) when no row matches.
func QueryRowSingle[T any](
	q querier,
	query string,
	scanFunc func(*sql.Row) (*T, error),
	logger Logger,
	logContext string,
	args ...any,
) (*T, error) {
	result, err := scanFunc(q.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error(fmt.Sprintf("Failed to query row: %v", err), logContext)
		return nil, err
	}
	return result, nil
}

// QueryRows executes a multi-row query. Rows that fail to scan are logged and skipped.
func QueryRows[T any](
	q querier,
	query string,
	scanFunc func(*sql.Rows) (*T, error),
	logger Logger,
	logContext string,
	args ...any,
) ([]*T, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to query rows: %v", err), logContext)
		return nil, err
	}
	defer rows.Close()

	var results []*T
	for rows.Next() {
		result, err := scanFunc(rows)
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to scan row: %v", err), logContext)
			continue
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		logger.Error(fmt.Sprintf("Error iterating rows: %v", err), logContext)
		return nil, err
	}

	return results, nil
}

// ExecWithAffectedRows executes a statement and returns the number of affected rows.
func ExecWithAffectedRows(q querier, query string, args ...any) (int64, error) {
	result, err := q.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// nullString maps "" to NULL
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanNullableString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// Timestamps are stored as unix milliseconds; zero time is stored as 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), v)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
