package progress

import (
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-otp-relay/stats"
)

// Bar tracks how far a scan has got through an archive.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New starts a progress bar over total messages. A disabled bar ignores
// every call.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printf("Total messages in mbox: %d\n", total)
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Scanning messages").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar on scanned events and prints errors above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
		if evt.Detail != "" {
			title := evt.Detail
			if len(title) > 40 {
				title = title[:37] + "..."
			}
			b.pb.UpdateTitle("Scanning: " + title)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	pterm.Success.Println("Scan complete!")
}

// PrintSummary writes the scan counters as a pterm section.
func PrintSummary(w io.Writer, summary stats.Summary, duration time.Duration) {
	section := pterm.DefaultSection.WithWriter(w)
	info := pterm.Info.WithWriter(w)

	section.Println("Summary")
	info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	info.Printf("Scanned: %d\n", summary.Scanned)
	info.Printf("Filtered: %d\n", summary.Filtered)
	info.Printf("Code found: %d\n", summary.Extracted)
	info.Printf("No code: %d\n", summary.NoCode)
	info.Printf("Errors: %d\n", summary.Errors)
	if summary.Scanned-summary.Filtered > 0 {
		rate := float64(summary.Extracted) / float64(summary.Scanned-summary.Filtered) * 100
		info.Printf("Hit rate: %.1f%%\n", rate)
	}
	if summary.LastError != nil {
		pterm.Error.WithWriter(w).Printf("Last error: %v\n", summary.LastError)
	}
}
