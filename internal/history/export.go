package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// csvHeader is the fixed export column order. External tooling depends on
// it, so it never changes.
const csvHeader = "id,timestamp,task_id,task_description,approved,consensus,weighted_consensus,consensus_mode,supervisor_count,participating_supervisors,duration_ms,session_id,task_type"

// Export serializes the full history in the requested format, "json" or
// "csv".
func Export(ctx context.Context, store Store, format string) (string, error) {
	records, err := store.Query(ctx, Query{SortBy: "timestamp", SortOrder: "asc"})
	if err != nil {
		return "", err
	}
	switch strings.ToLower(format) {
	case "json":
		return ExportJSON(records)
	case "csv":
		return ExportCSV(records), nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// ExportJSON renders records as an indented JSON array.
func ExportJSON(records []*models.DebateRecord) (string, error) {
	if records == nil {
		records = []*models.DebateRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal history export: %w", err)
	}
	return string(data), nil
}

// ExportCSV renders records as CSV. Timestamps are ISO-8601 in UTC; the
// description and supervisor list are always quoted with embedded quotes
// doubled.
func ExportCSV(records []*models.DebateRecord) string {
	var sb strings.Builder
	sb.WriteString(csvHeader)
	sb.WriteString("\n")

	for _, r := range records {
		supervisors := strings.Join(r.Meta.Supervisors, ",")
		fields := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Task.ID,
			csvQuote(r.Task.Description),
			strconv.FormatBool(r.Decision.Approved),
			formatFloat(r.Decision.Consensus),
			formatFloat(r.Decision.WeightedConsensus),
			string(r.Meta.ConsensusMode),
			strconv.Itoa(len(r.Decision.Votes)),
			csvQuote(supervisors),
			strconv.FormatInt(r.Meta.Duration.Milliseconds(), 10),
			r.Meta.SessionID,
			string(r.Meta.TaskType),
		}
		sb.WriteString(strings.Join(fields, ","))
		sb.WriteString("\n")
	}
	return sb.String()
}

func csvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
