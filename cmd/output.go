package cmd

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/keanucz/m3ufetch/internal/downloader"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))             // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))            // blue
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))           // grey
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
)

// formatBytes converts bytes to human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatSpeed renders bytes per second.
func formatSpeed(speed float64) string {
	switch {
	case speed < 1024:
		return fmt.Sprintf("%.1f B/s", speed)
	case speed < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", speed/1024)
	default:
		return fmt.Sprintf("%.1f MB/s", speed/(1024*1024))
	}
}

// progressPrinter writes one line per file each time it crosses a 5% step,
// plus a line when it completes or fails.
type progressPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, last: make(map[string]int)}
}

func (p *progressPrinter) onProgress(name string, percent float64, speed *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := int(percent) / 5 * 5
	if prev, ok := p.last[name]; ok && step <= prev {
		return
	}
	p.last[name] = step

	rate := ""
	if speed != nil {
		rate = detailStyle.Render(" " + formatSpeed(*speed))
	}
	if percent >= 100 {
		fmt.Fprintf(p.out, "%s %s%s\n", successStyle.Render("✓"), name, rate)
		return
	}
	fmt.Fprintf(p.out, "%s %s %s%s\n", pendingStyle.Render("◉"), name,
		pendingStyle.Render(fmt.Sprintf("%5.1f%%", percent)), rate)
}

func (p *progressPrinter) onError(name, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s\n", errorStyle.Render("✗"), name, errorStyle.Render(message))
}

// summaryTable renders per-file results.
func summaryTable(results []downloader.Result) string {
	t := table.New().
		Headers("File", "Status", "Size", "Attempts").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, r := range results {
		size := "-"
		if r.Status == downloader.StatusCompleted {
			size = formatBytes(r.Bytes)
		}
		t.Row(r.Name, statusLabel(r.Status), size, strconv.Itoa(r.Attempts))
	}
	return t.String()
}

func statusLabel(s downloader.Status) string {
	switch s {
	case downloader.StatusCompleted:
		return successStyle.Render(string(s))
	case downloader.StatusCancelled:
		return warningStyle.Render(string(s))
	default:
		return errorStyle.Render(string(s))
	}
}
