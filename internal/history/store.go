// Package history persists completed debates and serves queries, aggregate
// statistics and exports over them.
package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("history: record not found")

// Config bounds the retention of stored debates. Zero values disable the
// corresponding limit.
type Config struct {
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
	MaxRecords    int `json:"max_records" yaml:"max_records"`
}

// Query filters and orders a history lookup. Supervisor is applied as a
// post-filter on the participating supervisors of each record.
type Query struct {
	SessionID    string
	TaskType     models.TaskType
	Approved     *bool
	Supervisor   string
	From         time.Time
	To           time.Time
	MinConsensus *float64
	MaxConsensus *float64
	SortBy       string // timestamp, consensus or duration
	SortOrder    string // asc or desc; desc is the default
	Limit        int
	Offset       int
}

// Stats aggregates the whole stored history.
type Stats struct {
	TotalDebates         int            `json:"total_debates"`
	ApprovedDebates      int            `json:"approved_debates"`
	ApprovalRate         float64        `json:"approval_rate"`
	AvgConsensus         float64        `json:"avg_consensus"`
	AvgWeightedConsensus float64        `json:"avg_weighted_consensus"`
	AvgDurationMs        float64        `json:"avg_duration_ms"`
	AvgRounds            float64        `json:"avg_rounds"`
	ByTaskType           map[string]int `json:"by_task_type"`
	ByConsensusMode      map[string]int `json:"by_consensus_mode"`
	BySupervisor         map[string]int `json:"by_supervisor"`
	OldestTimestamp      time.Time      `json:"oldest_timestamp,omitempty"`
	NewestTimestamp      time.Time      `json:"newest_timestamp,omitempty"`
}

// SupervisorStats summarizes one supervisor's voting track record.
type SupervisorStats struct {
	Supervisor    string  `json:"supervisor"`
	Debates       int     `json:"debates"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	ApprovalRate  float64 `json:"approval_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
	// AgreementRate is how often the supervisor's vote matched the final
	// decision.
	AgreementRate float64 `json:"agreement_rate"`
}

// Store is the debate history persistence interface.
type Store interface {
	Save(ctx context.Context, record *models.DebateRecord) error
	Get(ctx context.Context, id string) (*models.DebateRecord, error)
	Query(ctx context.Context, q Query) ([]*models.DebateRecord, error)
	Stats(ctx context.Context) (*Stats, error)
	SupervisorHistory(ctx context.Context, name string) (*SupervisorStats, error)
	Prune(ctx context.Context) (int, error)
	ClearAll(ctx context.Context) (int, error)
	Close() error
}

// filterBySupervisor keeps records in which the named supervisor voted.
func filterBySupervisor(records []*models.DebateRecord, name string) []*models.DebateRecord {
	if name == "" {
		return records
	}
	filtered := records[:0]
	for _, r := range records {
		for _, v := range r.Decision.Votes {
			if v.Supervisor == name {
				filtered = append(filtered, r)
				break
			}
		}
	}
	return filtered
}

// paginate applies offset and limit after any post-filtering.
func paginate(records []*models.DebateRecord, offset, limit int) []*models.DebateRecord {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// sortRecords orders records by the query's sort key.
func sortRecords(records []*models.DebateRecord, sortBy, order string) {
	asc := strings.EqualFold(order, "asc")
	less := func(a, b *models.DebateRecord) bool {
		switch sortBy {
		case "consensus":
			return a.Decision.Consensus < b.Decision.Consensus
		case "duration":
			return a.Meta.Duration < b.Meta.Duration
		default:
			return a.Timestamp.Before(b.Timestamp)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if asc {
			return less(records[i], records[j])
		}
		return less(records[j], records[i])
	})
}

// statsFromRecords computes the aggregate view over a full record set.
func statsFromRecords(records []*models.DebateRecord) *Stats {
	stats := &Stats{
		ByTaskType:      make(map[string]int),
		ByConsensusMode: make(map[string]int),
		BySupervisor:    make(map[string]int),
	}
	if len(records) == 0 {
		return stats
	}

	var sumConsensus, sumWeighted, sumDuration, sumRounds float64
	for _, r := range records {
		stats.TotalDebates++
		if r.Decision.Approved {
			stats.ApprovedDebates++
		}
		sumConsensus += r.Decision.Consensus
		sumWeighted += r.Decision.WeightedConsensus
		sumDuration += float64(r.Meta.Duration.Milliseconds())
		sumRounds += float64(r.Meta.Rounds)

		stats.ByTaskType[string(r.Meta.TaskType)]++
		stats.ByConsensusMode[string(r.Meta.ConsensusMode)]++
		for _, v := range r.Decision.Votes {
			stats.BySupervisor[v.Supervisor]++
		}

		if stats.OldestTimestamp.IsZero() || r.Timestamp.Before(stats.OldestTimestamp) {
			stats.OldestTimestamp = r.Timestamp
		}
		if r.Timestamp.After(stats.NewestTimestamp) {
			stats.NewestTimestamp = r.Timestamp
		}
	}

	n := float64(stats.TotalDebates)
	stats.ApprovalRate = float64(stats.ApprovedDebates) / n
	stats.AvgConsensus = sumConsensus / n
	stats.AvgWeightedConsensus = sumWeighted / n
	stats.AvgDurationMs = sumDuration / n
	stats.AvgRounds = sumRounds / n
	return stats
}

// supervisorStatsFromRecords computes one supervisor's track record.
func supervisorStatsFromRecords(records []*models.DebateRecord, name string) *SupervisorStats {
	stats := &SupervisorStats{Supervisor: name}
	var sumConfidence float64
	agreements := 0
	for _, r := range records {
		for _, v := range r.Decision.Votes {
			if v.Supervisor != name {
				continue
			}
			stats.Debates++
			if v.Approved {
				stats.Approvals++
			} else {
				stats.Rejections++
			}
			sumConfidence += v.Confidence
			if v.Approved == r.Decision.Approved {
				agreements++
			}
			break
		}
	}
	if stats.Debates > 0 {
		n := float64(stats.Debates)
		stats.ApprovalRate = float64(stats.Approvals) / n
		stats.AvgConfidence = sumConfidence / n
		stats.AgreementRate = float64(agreements) / n
	}
	return stats
}
