package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// SQLiteStore persists debates in a local SQLite database. The full record
// is stored as a JSON blob next to the indexed columns, so replay always
// sees exactly what was saved.
type SQLiteStore struct {
	db     *sql.DB
	config Config
	log    *logrus.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, config Config, log *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStoreWithDB(db, config, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreWithDB wraps an existing connection. Tests use this with a
// mock driver.
func NewSQLiteStoreWithDB(db *sql.DB, config Config, log *logrus.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logrus.New()
	}
	store := &SQLiteStore{db: db, config: config, log: log}
	if err := store.createSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS debates (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			session_id TEXT,
			task_type TEXT,
			consensus_mode TEXT,
			approved INTEGER NOT NULL,
			consensus REAL NOT NULL,
			weighted_consensus REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			record TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_debates_ts ON debates(ts);
		CREATE INDEX IF NOT EXISTS idx_debates_session_id ON debates(session_id);
		CREATE INDEX IF NOT EXISTS idx_debates_task_type ON debates(task_type);
		CREATE INDEX IF NOT EXISTS idx_debates_approved ON debates(approved);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create debates table: %w", err)
	}
	return nil
}

// Save inserts a record and applies the retention policy.
func (s *SQLiteStore) Save(ctx context.Context, record *models.DebateRecord) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal debate record: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO debates (
			id, ts, session_id, task_type, consensus_mode,
			approved, consensus, weighted_consensus, duration_ms, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.Timestamp.UnixMilli(), record.Meta.SessionID,
		string(record.Meta.TaskType), string(record.Meta.ConsensusMode),
		boolToInt(record.Decision.Approved), record.Decision.Consensus,
		record.Decision.WeightedConsensus, record.Meta.Duration.Milliseconds(),
		string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to insert debate record: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"id":       record.ID,
		"approved": record.Decision.Approved,
	}).Debug("Debate record saved")

	if _, err := s.Prune(ctx); err != nil {
		s.log.WithError(err).Warn("retention pruning failed")
	}
	return nil
}

// Get retrieves one record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.DebateRecord, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM debates WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query debate record: %w", err)
	}
	return unmarshalRecord(blob)
}

// Query returns records matching the filters, sorted and paginated.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*models.DebateRecord, error) {
	var conditions []string
	var args []interface{}

	if q.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.TaskType != "" {
		conditions = append(conditions, "task_type = ?")
		args = append(args, string(q.TaskType))
	}
	if q.Approved != nil {
		conditions = append(conditions, "approved = ?")
		args = append(args, boolToInt(*q.Approved))
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "ts <= ?")
		args = append(args, q.To.UnixMilli())
	}
	if q.MinConsensus != nil {
		conditions = append(conditions, "consensus >= ?")
		args = append(args, *q.MinConsensus)
	}
	if q.MaxConsensus != nil {
		conditions = append(conditions, "consensus <= ?")
		args = append(args, *q.MaxConsensus)
	}

	query := "SELECT record FROM debates"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + sqlSortClause(q.SortBy, q.SortOrder)

	// The supervisor filter runs in Go, so pagination must wait for it.
	paginateInSQL := q.Supervisor == ""
	if paginateInSQL && q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query debate records: %w", err)
	}
	defer rows.Close()

	var records []*models.DebateRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan debate record: %w", err)
		}
		record, err := unmarshalRecord(blob)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating debate records: %w", err)
	}

	if !paginateInSQL {
		records = filterBySupervisor(records, q.Supervisor)
		records = paginate(records, q.Offset, q.Limit)
	} else if q.Limit == 0 && q.Offset > 0 {
		records = paginate(records, q.Offset, 0)
	}
	return records, nil
}

// Stats aggregates the whole history.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	records, err := s.Query(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return statsFromRecords(records), nil
}

// SupervisorHistory summarizes one supervisor's voting record.
func (s *SQLiteStore) SupervisorHistory(ctx context.Context, name string) (*SupervisorStats, error) {
	records, err := s.Query(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return supervisorStatsFromRecords(records, name), nil
}

// Prune applies the retention policy and returns how many records were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context) (int, error) {
	removed := 0

	if s.config.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays).UnixMilli()
		result, err := s.db.ExecContext(ctx, `DELETE FROM debates WHERE ts < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to prune aged records: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if s.config.MaxRecords > 0 {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM debates WHERE id IN (
				SELECT id FROM debates ORDER BY ts DESC LIMIT -1 OFFSET ?
			)`, s.config.MaxRecords)
		if err != nil {
			return removed, fmt.Errorf("failed to prune excess records: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if removed > 0 {
		s.log.WithField("removed", removed).Debug("Pruned debate records")
	}
	return removed, nil
}

// ClearAll deletes every record and returns the count removed.
func (s *SQLiteStore) ClearAll(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM debates`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear debate history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func sqlSortClause(sortBy, order string) string {
	column := "ts"
	switch sortBy {
	case "consensus":
		column = "consensus"
	case "duration":
		column = "duration_ms"
	}
	direction := "DESC"
	if strings.EqualFold(order, "asc") {
		direction = "ASC"
	}
	return column + " " + direction
}

func unmarshalRecord(blob string) (*models.DebateRecord, error) {
	var record models.DebateRecord
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal debate record: %w", err)
	}
	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
