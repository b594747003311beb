package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

type ExportOptions struct {
	Format ExportFormat
	From   time.Time
	To     time.Time
	Actor  string
	Limit  int
}

// ContentType returns the MIME type for the export format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Export renders logs in the time range oldest first, including their chain
// hashes so an external party can re-verify them.
func (s *Service) Export(ctx context.Context, opts ExportOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = ExportFormatJSON
	}
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidEntry, opts.Format)
	}

	logs, err := s.collect(ctx, Filter{Actor: opts.Actor, From: opts.From, To: opts.To})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(logs)
	}
	return exportToJSON(logs)
}

var csvHeader = []string{
	"id", "chain_id", "sequence", "timestamp", "actor", "session_id", "action",
	"resource_type", "resource_id", "request_id", "ip_address", "user_agent",
	"before", "after", "outcome", "previous_hash", "hash",
}

func exportToCSV(logs []*Log) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, l := range logs {
		row := []string{
			l.ID, l.ChainID, strconv.FormatUint(l.Sequence, 10), l.Timestamp.Format(time.RFC3339Nano),
			l.Actor, l.SessionID, l.Action, l.ResourceType, l.ResourceID,
			l.Request.RequestID, l.Request.IPAddress, l.Request.UserAgent,
			string(l.Before), string(l.After), l.Outcome, l.PreviousHash, l.Hash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(logs []*Log) ([]byte, error) {
	if logs == nil {
		logs = []*Log{}
	}
	b, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal audit export: %w", err)
	}
	return b, nil
}

func filterText(logs []*Log, query string) []*Log {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return logs
	}
	var out []*Log
	for _, l := range logs {
		haystack := strings.ToLower(strings.Join([]string{
			l.Actor, l.Action, l.ResourceType, l.ResourceID, l.Request.IPAddress, string(l.Before), string(l.After),
		}, " "))
		if strings.Contains(haystack, q) {
			out = append(out, l)
		}
	}
	return out
}
