package train

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	keyStyle   = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1).Bold(true)
	valueStyle = lipgloss.NewStyle().Padding(0, 1)
)

// Render formats s as a bordered two-column table.
func (s Summary) Render() string {
	stopped := s.Stopped
	if stopped == "" {
		stopped = "completed"
	}
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		}).
		Row("run", s.RunID).
		Row("steps", fmt.Sprintf("%s (from %s)", humanize.Comma(int64(s.Steps)), humanize.Comma(int64(s.StartStep)))).
		Row("last loss", fmt.Sprintf("%.4f", s.LastLoss)).
		Row("best loss", fmt.Sprintf("%.4f", s.BestLoss)).
		Row("tokens", humanize.Comma(s.Tokens)).
		Row("throughput", fmt.Sprintf("%s tok/s", humanize.CommafWithDigits(s.TokensPerSecond(), 0))).
		Row("elapsed", s.Elapsed.Round(time.Millisecond).String()).
		Row("status", stopped).
		Row("checkpoint", s.Checkpoint)
	return t.String()
}
