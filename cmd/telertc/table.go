package main

import (
	"fmt"
	"io"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/stream"

	"github.com/jedib0t/go-pretty/v6/table"
)

// renderParticipants formats feeds as a table.
func renderParticipants(feeds []domain.Feed) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Participants (%d)", len(feeds))
	t.AppendHeader(table.Row{"Feed", "Name", "Publishing", "Talking"})
	for _, f := range feeds {
		t.AppendRow(table.Row{f.ID.String(), f.DisplayName, yesNo(f.IsPublisher), yesNo(f.IsTalking)})
	}
	return t.Render()
}

func printParticipants(w io.Writer, changes *stream.Subscription[[]domain.Feed]) {
	defer changes.Close()
	for feeds := range changes.C() {
		fmt.Fprintln(w, renderParticipants(feeds))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
