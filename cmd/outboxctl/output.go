package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/meridian-commerce/outbox"
)

type recordView struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Partition      int             `json:"partition"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeadLetteredAt *time.Time      `json:"dead_lettered_at,omitempty"`
}

func newRecordView(rec outbox.Record) recordView {
	v := recordView{
		ID:             rec.ID.String(),
		Seq:            rec.Seq,
		AggregateType:  rec.AggregateType,
		AggregateID:    rec.AggregateID,
		EventType:      rec.EventType,
		Partition:      rec.Partition,
		Status:         string(rec.Status),
		RetryCount:     rec.RetryCount,
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt,
		DeadLetteredAt: rec.DeadLetteredAt,
	}
	if json.Valid(rec.Payload) {
		v.Payload = rec.Payload
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printRecords(w io.Writer, records []outbox.Record) error {
	if jsonOutput {
		views := make([]recordView, 0, len(records))
		for _, rec := range records {
			views = append(views, newRecordView(rec))
		}
		return writeJSON(w, views)
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No dead-lettered records.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT TYPE\tAGGREGATE\tATTEMPTS\tDEAD LETTERED\tLAST ERROR")
	for _, rec := range records {
		deadLettered := "-"
		if rec.DeadLetteredAt != nil {
			deadLettered = rec.DeadLetteredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
			rec.ID, rec.EventType, rec.AggregateType, rec.AggregateID,
			rec.RetryCount, deadLettered, truncate(rec.LastError, 60))
	}
	return tw.Flush()
}

func printStats(w io.Writer, stats outbox.Stats) error {
	if jsonOutput {
		return writeJSON(w, map[string]int64{
			"pending":       stats.Pending,
			"processing":    stats.Processing,
			"delivered":     stats.Delivered,
			"failed":        stats.Failed,
			"dead_lettered": stats.DeadLettered,
		})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tRECORDS")
	fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(tw, "processing\t%d\n", stats.Processing)
	fmt.Fprintf(tw, "delivered\t%d\n", stats.Delivered)
	fmt.Fprintf(tw, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(tw, "  dead lettered\t%d\n", stats.DeadLettered)
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
