package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/benchroom/internal/backend"
	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

// palette renders through its own renderer so colour follows the --color
// decision for stderr rather than lipgloss's stdout detection.
type palette struct {
	icon   lipgloss.Style
	title  lipgloss.Style
	field  lipgloss.Style
	muted  lipgloss.Style
	status map[string]lipgloss.Style
}

func newPalette(color bool) palette {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.Ascii)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	}
	bold := r.NewStyle().Bold(true)
	return palette{
		icon:  bold.Foreground(lipgloss.Color("220")),
		title: bold.Foreground(lipgloss.Color("80")),
		field: r.NewStyle().Foreground(lipgloss.Color("252")),
		muted: r.NewStyle().Foreground(lipgloss.Color("246")),
		status: map[string]lipgloss.Style{
			"pass":    bold.Foreground(lipgloss.Color("42")),
			"warn":    bold.Foreground(lipgloss.Color("214")),
			"fail":    bold.Foreground(lipgloss.Color("203")),
			"unknown": bold.Foreground(lipgloss.Color("255")),
		},
	}
}

var doctorMarks = map[string]string{"pass": "✓", "warn": "!", "fail": "✗", "unknown": "?"}

func renderStartupHeader(h startupHeader, color bool) string {
	p := newPalette(color)
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "benchroom"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "\n%s %s\n", p.icon.Render("⏱"), p.title.Render(title))
	for _, field := range h.Fields {
		key, value := strings.TrimSpace(field.Key), strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		fmt.Fprintf(&out, "   %s\n", p.field.Render(key+": "+value))
	}
	out.WriteByte('\n')
	return out.String()
}

func renderDoctorReport(report backend.DoctorReport, color bool) string {
	p := newPalette(color)
	name := strings.TrimSpace(report.Backend)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	out.WriteString(p.title.Render(fmt.Sprintf("doctor report (%s)", name)))
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range report.Checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		badge := p.status[status].Render(fmt.Sprintf("%s [%s]", doctorMarks[status], status))
		fmt.Fprintf(&out, "%s %s: %s\n", badge, checkName, message)
	}

	var enabled []string
	for _, key := range backend.SortedCapabilityKeys(report.Capabilities) {
		if report.Capabilities[key] {
			enabled = append(enabled, key)
		}
	}
	if len(enabled) > 0 {
		out.WriteString(p.muted.Render("capabilities: " + strings.Join(enabled, ", ")))
		out.WriteByte('\n')
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	out.WriteString(p.muted.Render(summary))
	out.WriteByte('\n')
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	return isTerminal(stderr)
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// shouldUseANSI honours NO_COLOR, CLICOLOR=0 and CLICOLOR_FORCE before
// falling back to terminal detection.
func shouldUseANSI(stderr *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" {
		n, err := strconv.Atoi(force)
		return err != nil || n != 0
	}
	return isTerminal(stderr)
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, c := range map[log.Level]string{
		log.DebugLevel: "45",
		log.InfoLevel:  "42",
		log.WarnLevel:  "214",
		log.ErrorLevel: "203",
	} {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(c))
	}
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = "benchroom"
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.BaseURL
}

func effectiveLogLevel(rawLevel string) string {
	if level := strings.TrimSpace(strings.ToLower(rawLevel)); level != "" {
		return level
	}
	return "info"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	}
	return "unknown"
}
