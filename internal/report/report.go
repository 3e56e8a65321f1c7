// Package report builds tabular run reports and writes them as CSV or JSON.
package report

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

const (
	TypeTaskSummary     = "task_summary"
	TypeHostSummary     = "host_summary"
	TypeFailureAnalysis = "failure_analysis"

	FormatCSV  = "csv"
	FormatJSON = "json"
)

var Types = []string{TypeTaskSummary, TypeHostSummary, TypeFailureAnalysis}

type Store interface {
	ListRuns(ctx context.Context, f repository.RunFilter) ([]models.Run, error)
}

type Options struct {
	Type      string
	Since     time.Time
	Until     time.Time
	Format    string
	OutputDir string
}

type Generator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewGenerator(store Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Generator{store: store, logger: logger.With("component", "report"), now: time.Now}
}

// Build returns the report as rows, the first row being the header. Runs
// are selected by start time within [since, until).
func (g *Generator) Build(ctx context.Context, reportType string, since, until time.Time) ([][]string, error) {
	if !until.After(since) {
		return nil, fmt.Errorf("%w: report window %s..%s is empty",
			task.ErrInvalidArgument, since.Format(time.RFC3339), until.Format(time.RFC3339))
	}

	var build func([]models.Run) [][]string
	switch reportType {
	case TypeTaskSummary:
		build = taskSummary
	case TypeHostSummary:
		build = hostSummary
	case TypeFailureAnalysis:
		build = failureAnalysis
	default:
		return nil, fmt.Errorf("%w: unsupported report type: %s (available: %s, %s, %s)",
			task.ErrInvalidArgument, reportType, TypeTaskSummary, TypeHostSummary, TypeFailureAnalysis)
	}

	runs, err := g.store.ListRuns(ctx, repository.RunFilter{Since: &since, Until: &until})
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	return build(runs), nil
}

// Generate builds the report and saves it under opts.OutputDir.
func (g *Generator) Generate(ctx context.Context, opts Options) (string, error) {
	if opts.Format == "" {
		opts.Format = FormatCSV
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "./reports"
	}
	if opts.Until.IsZero() {
		opts.Until = g.now().UTC()
	}
	if opts.Since.IsZero() {
		opts.Since = opts.Until.Add(-24 * time.Hour)
	}

	data, err := g.Build(ctx, opts.Type, opts.Since, opts.Until)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("runledger_%s_%s.%s", opts.Type, g.now().UTC().Format("20060102_150405"), opts.Format)
	fullPath := filepath.Join(opts.OutputDir, filename)

	if err := writeFile(fullPath, opts.Format, data); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	g.logger.Info("report generated", "type", opts.Type, "path", fullPath, "rows", len(data)-1)
	return fullPath, nil
}

func writeFile(path, format string, data [][]string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	return Write(file, format, data)
}

// Write renders data in the given format.
func Write(w io.Writer, format string, data [][]string) error {
	switch format {
	case FormatCSV:
		writer := csv.NewWriter(w)
		if err := writer.WriteAll(data); err != nil {
			return err
		}
		return writer.Error()
	case FormatJSON:
		return writeJSON(w, data)
	}

	return fmt.Errorf("%w: unsupported format: %s", task.ErrInvalidArgument, format)
}

func writeJSON(w io.Writer, data [][]string) error {
	if len(data) == 0 {
		return errors.New("report has no header")
	}

	headers := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}
		records = append(records, record)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}

// tally accumulates outcome counts and durations for a group of runs.
type tally struct {
	total, completed, failed, skipped, cancelled, active int
	durations                                            []time.Duration
}

func (t *tally) add(run models.Run) {
	t.total++
	switch run.Status {
	case task.StatusCompleted:
		t.completed++
	case task.StatusFailed:
		t.failed++
	case task.StatusSkipped:
		t.skipped++
	case task.StatusCancelled:
		t.cancelled++
	default:
		t.active++
	}
	if d := run.Duration(); d > 0 {
		t.durations = append(t.durations, d)
	}
}

func (t *tally) avgSeconds() string {
	if len(t.durations) == 0 {
		return "0"
	}

	var sum time.Duration
	for _, d := range t.durations {
		sum += d
	}
	return formatFloat((sum / time.Duration(len(t.durations))).Seconds(), 1)
}

func (t *tally) maxSeconds() string {
	if len(t.durations) == 0 {
		return "0"
	}
	return formatFloat(slices.Max(t.durations).Seconds(), 1)
}

// successRate is the share of finished runs that completed.
func (t *tally) successRate() string {
	finished := t.completed + t.failed + t.cancelled
	if finished == 0 {
		return "0"
	}
	return formatFloat(100*float64(t.completed)/float64(finished), 2)
}

func taskSummary(runs []models.Run) [][]string {
	type key struct{ stage, task string }

	groups := make(map[key]*tally)
	var keys []key
	for _, run := range runs {
		k := key{run.StageName, run.TaskName}
		if groups[k] == nil {
			groups[k] = &tally{}
			keys = append(keys, k)
		}
		groups[k].add(run)
	}

	slices.SortFunc(keys, func(a, b key) int {
		if c := cmp.Compare(groups[b].total, groups[a].total); c != 0 {
			return c
		}
		return cmp.Or(cmp.Compare(a.stage, b.stage), cmp.Compare(a.task, b.task))
	})

	data := [][]string{
		{"Stage", "Task", "Total", "Completed", "Failed", "Skipped", "Cancelled", "Active", "Avg Duration (s)", "Max Duration (s)", "Success Rate (%)"},
	}
	for _, k := range keys {
		t := groups[k]
		data = append(data, []string{
			k.stage,
			k.task,
			strconv.Itoa(t.total),
			strconv.Itoa(t.completed),
			strconv.Itoa(t.failed),
			strconv.Itoa(t.skipped),
			strconv.Itoa(t.cancelled),
			strconv.Itoa(t.active),
			t.avgSeconds(),
			t.maxSeconds(),
			t.successRate(),
		})
	}

	return data
}

func hostSummary(runs []models.Run) [][]string {
	groups := make(map[string]*tally)
	var hosts []string
	for _, run := range runs {
		host := cmp.Or(run.Hostname, "unknown")
		if groups[host] == nil {
			groups[host] = &tally{}
			hosts = append(hosts, host)
		}
		groups[host].add(run)
	}

	slices.SortFunc(hosts, func(a, b string) int {
		return cmp.Or(cmp.Compare(groups[b].total, groups[a].total), cmp.Compare(a, b))
	})

	data := [][]string{
		{"Hostname", "Runs", "Completed", "Failed", "Active", "Avg Duration (s)", "Success Rate (%)"},
	}
	for _, host := range hosts {
		t := groups[host]
		data = append(data, []string{
			host,
			strconv.Itoa(t.total),
			strconv.Itoa(t.completed),
			strconv.Itoa(t.failed),
			strconv.Itoa(t.active),
			t.avgSeconds(),
			t.successRate(),
		})
	}

	return data
}

const (
	failureLimit    = 50
	errorTextLength = 100
)

func failureAnalysis(runs []models.Run) [][]string {
	type key struct{ stage, task, err string }
	type group struct {
		occurrences int
		last        time.Time
		hosts       map[string]struct{}
	}

	groups := make(map[key]*group)
	var keys []key
	for _, run := range runs {
		if run.Status != task.StatusFailed && run.Status != task.StatusCancelled {
			continue
		}

		msg := cmp.Or(run.ErrorMessage, run.ProgressMessage, "unknown")
		if r := []rune(msg); len(r) > errorTextLength {
			msg = string(r[:errorTextLength])
		}

		k := key{run.StageName, run.TaskName, msg}
		g := groups[k]
		if g == nil {
			g = &group{hosts: make(map[string]struct{})}
			groups[k] = g
			keys = append(keys, k)
		}
		g.occurrences++
		g.hosts[run.Hostname] = struct{}{}
		if run.EndTime != nil && run.EndTime.After(g.last) {
			g.last = *run.EndTime
		}
	}

	slices.SortFunc(keys, func(a, b key) int {
		return cmp.Or(
			cmp.Compare(groups[b].occurrences, groups[a].occurrences),
			groups[b].last.Compare(groups[a].last),
			cmp.Compare(a.task, b.task),
		)
	})
	if len(keys) > failureLimit {
		keys = keys[:failureLimit]
	}

	data := [][]string{
		{"Stage", "Task", "Error", "Occurrences", "Hosts", "Last Occurrence"},
	}
	for _, k := range keys {
		g := groups[k]
		last := ""
		if !g.last.IsZero() {
			last = g.last.UTC().Format("2006-01-02 15:04:05")
		}
		data = append(data, []string{
			k.stage,
			k.task,
			k.err,
			strconv.Itoa(g.occurrences),
			strconv.Itoa(len(g.hosts)),
			last,
		})
	}

	return data
}

func formatFloat(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}
