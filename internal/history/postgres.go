package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// PostgresStore persists debates in a shared PostgreSQL database. Deployments
// with several autopilot instances point them at the same pool so history
// queries see the whole fleet.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config Config
	log    *logrus.Logger
}

// NewPostgresStore wraps an existing pool and ensures the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, config Config, log *logrus.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logrus.New()
	}
	store := &PostgresStore{pool: pool, config: config, log: log}
	if err := store.CreateTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// CreateTable creates the debates table if it doesn't exist.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS debates (
			id VARCHAR(255) PRIMARY KEY,
			ts TIMESTAMP WITH TIME ZONE NOT NULL,
			session_id VARCHAR(255),
			task_type VARCHAR(100),
			consensus_mode VARCHAR(100),
			approved BOOLEAN NOT NULL,
			consensus DECIMAL(5,4) NOT NULL,
			weighted_consensus DECIMAL(5,4) NOT NULL,
			duration_ms BIGINT NOT NULL,
			record JSONB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_debates_ts ON debates(ts);
		CREATE INDEX IF NOT EXISTS idx_debates_session_id ON debates(session_id);
		CREATE INDEX IF NOT EXISTS idx_debates_task_type ON debates(task_type);
		CREATE INDEX IF NOT EXISTS idx_debates_approved ON debates(approved);
	`

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create debates table: %w", err)
	}

	s.log.Info("Debates table created/verified")
	return nil
}

// Save inserts a record and applies the retention policy.
func (s *PostgresStore) Save(ctx context.Context, record *models.DebateRecord) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal debate record: %w", err)
	}

	query := `
		INSERT INTO debates (
			id, ts, session_id, task_type, consensus_mode,
			approved, consensus, weighted_consensus, duration_ms, record
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record
	`
	_, err = s.pool.Exec(ctx, query,
		record.ID, record.Timestamp, record.Meta.SessionID,
		string(record.Meta.TaskType), string(record.Meta.ConsensusMode),
		record.Decision.Approved, record.Decision.Consensus,
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
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.DebateRecord, error) {
	var blob string
	err := s.pool.QueryRow(ctx, `SELECT record FROM debates WHERE id = $1`, id).Scan(&blob)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query debate record: %w", err)
	}
	return unmarshalRecord(blob)
}

// Query returns records matching the filters, sorted and paginated.
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*models.DebateRecord, error) {
	var conditions []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.SessionID != "" {
		conditions = append(conditions, "session_id = "+arg(q.SessionID))
	}
	if q.TaskType != "" {
		conditions = append(conditions, "task_type = "+arg(string(q.TaskType)))
	}
	if q.Approved != nil {
		conditions = append(conditions, "approved = "+arg(*q.Approved))
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "ts >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "ts <= "+arg(q.To))
	}
	if q.MinConsensus != nil {
		conditions = append(conditions, "consensus >= "+arg(*q.MinConsensus))
	}
	if q.MaxConsensus != nil {
		conditions = append(conditions, "consensus <= "+arg(*q.MaxConsensus))
	}

	query := "SELECT record FROM debates"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + sqlSortClause(q.SortBy, q.SortOrder)

	paginateInSQL := q.Supervisor == ""
	if paginateInSQL && q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	records, err := s.Query(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return statsFromRecords(records), nil
}

// SupervisorHistory summarizes one supervisor's voting record.
func (s *PostgresStore) SupervisorHistory(ctx context.Context, name string) (*SupervisorStats, error) {
	records, err := s.Query(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return supervisorStatsFromRecords(records, name), nil
}

// Prune applies the retention policy and returns how many records were
// removed.
func (s *PostgresStore) Prune(ctx context.Context) (int, error) {
	removed := 0

	if s.config.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
		result, err := s.pool.Exec(ctx, `DELETE FROM debates WHERE ts < $1`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to prune aged records: %w", err)
		}
		removed += int(result.RowsAffected())
	}

	if s.config.MaxRecords > 0 {
		result, err := s.pool.Exec(ctx, `
			DELETE FROM debates WHERE id IN (
				SELECT id FROM debates ORDER BY ts DESC OFFSET $1
			)`, s.config.MaxRecords)
		if err != nil {
			return removed, fmt.Errorf("failed to prune excess records: %w", err)
		}
		removed += int(result.RowsAffected())
	}

	if removed > 0 {
		s.log.WithField("removed", removed).Debug("Pruned debate records")
	}
	return removed, nil
}

// ClearAll deletes every record and returns the count removed.
func (s *PostgresStore) ClearAll(ctx context.Context) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM debates`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear debate history: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
