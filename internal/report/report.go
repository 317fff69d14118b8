package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/FranksOps/pinpoint/internal/enrich"
	"github.com/FranksOps/pinpoint/internal/storage"
)

// Count is one labelled tally, ordered for stable output.
type Count struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary aggregates audit records.
type Summary struct {
	Total       int           `json:"total"`
	Resolved    int           `json:"resolved"`
	ByStatus    []Count       `json:"by_status"`
	BySource    []Count       `json:"by_source"`
	ByEntry     []Count       `json:"by_entry"`
	TopReasons  []Count       `json:"top_reasons"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Span        time.Duration `json:"span"`
}

const maxReasons = 5

// GenerateSummary processes audit records into totals.
func GenerateSummary(records []*storage.Resolution) Summary {
	var s Summary
	if len(records) == 0 {
		return s
	}

	status := map[string]int{}
	source := map[string]int{}
	entry := map[string]int{}
	reasons := map[string]int{}
	var total time.Duration

	s.StartTime = records[0].CreatedAt
	s.EndTime = records[0].CreatedAt
	for _, r := range records {
		s.Total++
		status[r.Status]++
		entry[r.Entry]++
		if r.Source != "" {
			source[r.Source]++
		}
		if r.Reason != "" {
			reasons[r.Reason]++
		}
		if r.Status == storage.StatusResolved || r.Status == enrich.StatusEnriched {
			s.Resolved++
		}

		total += r.Duration
		if r.Duration > s.MaxDuration {
			s.MaxDuration = r.Duration
		}
		if r.CreatedAt.Before(s.StartTime) {
			s.StartTime = r.CreatedAt
		}
		if r.CreatedAt.After(s.EndTime) {
			s.EndTime = r.CreatedAt
		}
	}

	s.ByStatus = counts(status, 0)
	s.BySource = counts(source, 0)
	s.ByEntry = counts(entry, 0)
	s.TopReasons = counts(reasons, maxReasons)
	s.AvgDuration = total / time.Duration(s.Total)
	s.Span = s.EndTime.Sub(s.StartTime)
	return s
}

// HitRate is Resolved over Total, 0 for an empty summary.
func (s Summary) HitRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Resolved) / float64(s.Total)
}

// counts sorts by count descending then label. limit <= 0 keeps all.
func counts(m map[string]int, limit int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Label: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
}).Parse(`Pinpoint Resolution Summary
---------------------------
Time:          {{if .Total}}{{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}{{else}}n/a{{end}}
Lookups:       {{.Total}}
Resolved:      {{.Resolved}} ({{pct .HitRate}})
Avg Duration:  {{.AvgDuration}}
Max Duration:  {{.MaxDuration}}

By Status:
{{- range .ByStatus}}
  {{.Label}}: {{.Count}}
{{- else}}
  None
{{- end}}

By Source:
{{- range .BySource}}
  {{.Label}}: {{.Count}}
{{- else}}
  None
{{- end}}

By Entry:
{{- range .ByEntry}}
  {{.Label}}: {{.Count}}
{{- else}}
  None
{{- end}}

Top Reasons:
{{- range .TopReasons}}
  {{.Label}}: {{.Count}}
{{- else}}
  None
{{- end}}
`))

// WriteText writes a human-readable summary.
func WriteText(w io.Writer, summary Summary) error {
	if err := summaryTmpl.Execute(w, summary); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	return nil
}

var statsTmpl = template.Must(template.New("stats").Parse(`Enrichment finished in {{.Duration}}
  rows:      {{.Rows}}
  processed: {{.Processed}}
  enriched:  {{.Enriched}}
  no_match:  {{.NoMatch}}
  errors:    {{.Errors}}
`))

// WriteStats writes the run summary of an enrichment pass.
func WriteStats(w io.Writer, stats enrich.Stats) error {
	if err := statsTmpl.Execute(w, stats); err != nil {
		return fmt.Errorf("render stats: %w", err)
	}
	return nil
}
