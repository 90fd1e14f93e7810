package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/buildkite/benchroom/internal/imagemgr"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).PaddingRight(2)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

// renderTable lays rows out in borderless columns. Colour is dropped when
// stdout is not a terminal.
func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String() + "\n"
}

func renderSpecs(specs []jobs.Spec) string {
	rows := make([][]string, 0, len(specs))
	for _, spec := range specs {
		flags := ""
		if spec.IsFallback {
			flags = "fallback"
		}
		if spec.Archived != nil {
			flags = "archived"
		}
		rows = append(rows, []string{
			spec.Slug,
			string(spec.Architecture),
			strconv.FormatUint(uint64(spec.CPU), 10),
			formatMiB(spec.Memory),
			formatMiB(spec.Disk),
			strconv.FormatBool(spec.Network),
			flags,
		})
	}
	return renderTable([]string{"SPEC", "ARCH", "CPU", "MEMORY", "DISK", "NETWORK", ""}, rows)
}

func renderJobs(list []jobs.Job, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		status := string(job.Status)
		if job.CancelRequested && !job.Status.Terminal() {
			status += " (canceling)"
		}
		rows = append(rows, []string{
			job.UUID.String(),
			status,
			job.Spec.Slug,
			since(now, job.Created),
			jobDuration(job),
		})
	}
	return renderTable([]string{"JOB", "STATUS", "SPEC", "CREATED", "DURATION"}, rows)
}

func renderImages(records []imagemgr.Record, now time.Time) string {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			record.Ref,
			formatMiB(uint64(max(record.SizeBytes, 0))),
			since(now, record.LastUsedAt),
		})
	}
	return renderTable([]string{"IMAGE", "SIZE", "LAST USED"}, rows)
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func jobDuration(job jobs.Job) string {
	if job.Started == nil || job.Completed == nil {
		return "-"
	}
	return job.Completed.Sub(*job.Started).Round(time.Millisecond).String()
}
