package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/casesync"
	"github.com/fatih/color"
)

// consoleOutput prints coordinator states and resync acknowledgments.
type consoleOutput struct {
	mu      sync.Mutex
	writer  io.Writer
	success *color.Color
	failure *color.Color
	muted   *color.Color
	heading *color.Color
}

func newConsoleOutput(writer io.Writer) *consoleOutput {
	return &consoleOutput{
		writer:  writer,
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed, color.Bold),
		muted:   color.New(color.Faint),
		heading: color.New(color.Bold),
	}
}

// Acknowledge implements casesync.Acknowledger.
func (o *consoleOutput) Acknowledge(ack casesync.Acknowledgment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ack.Kind == casesync.AckSyncFailed {
		o.failure.Fprintf(o.writer, "%s: %v\n", ack.Message, ack.Err)
		return
	}
	o.success.Fprintf(o.writer, "%s (%d cases)\n", ack.Message, ack.Records)
}

func (o *consoleOutput) printState(state casesync.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state.Loading {
		o.muted.Fprintln(o.writer, "loading cases...")
		return
	}

	label := fmt.Sprintf("%d cases", len(state.Records))
	if state.HasOfflineData {
		label += ", offline copy"
	}
	o.heading.Fprintln(o.writer, label)
	if state.HasError {
		o.failure.Fprintln(o.writer, "last sync failed; showing the most recent data available")
	}
	for _, record := range state.Records {
		owner := "public"
		if record.OwnerID != nil {
			owner = *record.OwnerID
		}
		fmt.Fprintf(o.writer, "  %-38s %-12s %-10s %s\n",
			record.ID,
			record.Status,
			owner,
			o.muted.Sprint(record.CreatedAt.Format("2006-01-02 15:04")))
	}
}

func (o *consoleOutput) printStatusUpdated(id string, status casesync.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.success.Fprintf(o.writer, "case %s is now %s\n", id, status)
}
