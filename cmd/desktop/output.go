package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/bounceback/backend/internal/models"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

// render writes v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// Round-trip through JSON so YAML keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	return text(w)
}

func millisAgo(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func writeReport(w io.Writer, report *syncpkg.StatusReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Status:\t%s\n", report.Status)
	fmt.Fprintf(tw, "Last sync:\t%s\n", millisAgo(report.LastSync))
	fmt.Fprintf(tw, "Queued operations:\t%d (%s)\n", report.Queue.TotalItems, humanize.Bytes(uint64(report.Queue.ApproximateSizeBytes)))
	if report.Queue.OldestEnqueuedAt > 0 {
		fmt.Fprintf(tw, "Oldest queued:\t%s\n", millisAgo(report.Queue.OldestEnqueuedAt))
	}
	fmt.Fprintf(tw, "Open conflicts:\t%d\n", report.Conflicts)
	if s := report.Storage; s != nil {
		fmt.Fprintf(tw, "Storage:\t%s of %s (hard limit %s)\n",
			humanize.Bytes(uint64(s.CurrentBytes)), humanize.Bytes(uint64(s.SoftLimitBytes)), humanize.Bytes(uint64(s.HardLimitBytes)))
	}
	if report.DegradedSecurity {
		fmt.Fprintf(tw, "Security:\tdegraded (fallback field key)\n")
	}
	for _, e := range report.LastErrors {
		fmt.Fprintf(tw, "Error:\t%s %s\n", e.Code, e.Error())
	}
	return tw.Flush()
}

func writeResult(w io.Writer, result *syncpkg.SyncResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	outcome := "ok"
	if !result.Success {
		outcome = "failed"
	}
	fmt.Fprintf(tw, "Sync %s in %s\n", outcome, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "Queue:\t%d applied, %d failed, %d deferred\n", result.QueueApplied, result.QueueFailed, result.QueueDeferred)
	fmt.Fprintln(tw, "ENTITY\tPUSHED\tPULLED\tDELETED\tPURGED\tCONFLICTS\tERRORS")
	for _, e := range result.Entities {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", e.EntityType, e.Pushed, e.Pulled, e.Deleted, e.Purged, e.Conflicts, e.Errors)
	}
	if q := result.Quota; q != nil && q.TotalEvicted() > 0 {
		fmt.Fprintf(tw, "Evicted:\t%s records, %s now used\n", humanize.Comma(int64(q.TotalEvicted())), humanize.Bytes(uint64(q.Budget.CurrentBytes)))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(tw, "Error:\t%s %s\n", e.Code, e.Error())
	}
	return tw.Flush()
}

func writeOperations(w io.Writer, ops []*models.OfflineOperation) error {
	if len(ops) == 0 {
		_, err := fmt.Fprintln(w, "Queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tTARGET\tKIND\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.EntityType, op.TargetRecordID, op.Kind, millisAgo(op.EnqueuedAt), op.Attempts, op.LastError)
	}
	return tw.Flush()
}
