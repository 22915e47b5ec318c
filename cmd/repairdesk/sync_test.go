package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/casesync"
	"github.com/fatih/color"
)

func TestParseStatusAssignment(t *testing.T) {
	testCases := []struct {
		name       string
		value      string
		wantID     string
		wantStatus casesync.Status
		wantErr    bool
	}{
		{name: "exact", value: "c1=Completed", wantID: "c1", wantStatus: casesync.StatusCompleted},
		{name: "case-insensitive", value: "c2= in progress ", wantID: "c2", wantStatus: casesync.StatusInProgress},
		{name: "missing-separator", value: "c1", wantErr: true},
		{name: "missing-id", value: "=Completed", wantErr: true},
		{name: "unknown-status", value: "c1=Archived", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseStatusAssignment(testCase.value)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", testCase.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.id != testCase.wantID || got.status != testCase.wantStatus {
				t.Fatalf("unexpected assignment %+v", got)
			}
		})
	}
}

func TestConsoleOutputPrintsStateAndAcks(t *testing.T) {
	previous := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = previous })

	var buffer bytes.Buffer
	out := newConsoleOutput(&buffer)
	owner := "u1"
	out.printState(casesync.State{
		Records: []casesync.Record{
			{ID: "c1", Status: casesync.StatusScheduled, OwnerID: &owner, CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
			{ID: "c2", Status: casesync.StatusCompleted, CreatedAt: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)},
		},
		HasOfflineData: true,
	})
	out.Acknowledge(casesync.Acknowledgment{Kind: casesync.AckSyncComplete, Message: "Sync complete", Records: 2})
	out.Acknowledge(casesync.Acknowledgment{Kind: casesync.AckSyncFailed, Message: "Sync failed", Err: errors.New("boom")})

	output := buffer.String()
	for _, want := range []string{"2 cases, offline copy", "c1", "u1", "public", "2026-03-01 09:30", "Sync complete (2 cases)", "Sync failed: boom"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, output)
		}
	}
}
