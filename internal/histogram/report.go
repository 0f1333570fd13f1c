package histogram

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/cropseg/cropseg/internal/generics"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"io"
	"strings"
)

// ReportHeader is the first line of the report.
const ReportHeader = "Aggregated Class Distribution:"

// ReportOptions configures WriteReport.
type ReportOptions struct {
	// Summary appends the total pixel count and the share of each class after the per-class lines.
	Summary bool

	// Styled renders the header and the summary with terminal colors.
	// Only set it when writing to a terminal.
	Styled bool
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	summaryStyle = lipgloss.NewStyle().Faint(true)
)

// WriteReport writes the header followed by one "Class {code}: {count}" line per class,
// sorted by class code.
func WriteReport(w io.Writer, h Histogram, opts ReportOptions) error {
	var buf strings.Builder
	header := ReportHeader
	if opts.Styled {
		header = headerStyle.Render(header)
	}
	buf.WriteString(header)
	buf.WriteByte('\n')
	for code, count := range generics.SortedKeysAndValues(h) {
		_, _ = fmt.Fprintf(&buf, "Class %d: %d\n", code, count)
	}

	if opts.Summary {
		total := h.Total()
		var summary strings.Builder
		_, _ = fmt.Fprintf(&summary, "Total pixels: %s in %d classes\n", humanize.Comma(int64(total)), len(h))
		for code, count := range generics.SortedKeysAndValues(h) {
			var share float64
			if total > 0 {
				share = 100 * float64(count) / float64(total)
			}
			_, _ = fmt.Fprintf(&summary, "  class %3d: %6.2f%% (%s)\n", code, share, humanize.Comma(int64(count)))
		}
		text := summary.String()
		if opts.Styled {
			text = summaryStyle.Render(strings.TrimSuffix(text, "\n")) + "\n"
		}
		buf.WriteString(text)
	}

	if _, err := io.WriteString(w, buf.String()); err != nil {
		return errors.Wrap(err, "failed to write class distribution report")
	}
	return nil
}
