package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/pbem-host/internal/config"
	"github.com/ChuLiYu/pbem-host/internal/snapshot"
	"github.com/ChuLiYu/pbem-host/internal/storage/wal"
)

// walCommand inspects the queue's files offline. It reads the paths from
// --config and is safe to run next to a live node.
func (a *app) walCommand() *cobra.Command {
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Validate the WAL and summarise the WAL and snapshot files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return inspectQueueFiles(cmd.OutOrStdout(), cfg.Queue)
		},
	}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print one line per WAL event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return wal.DumpWAL(cfg.Queue.WALPath, cmd.OutOrStdout())
		},
	}
	cmd := &cobra.Command{Use: "wal", Short: "Inspect the job queue's write-ahead log"}
	cmd.AddCommand(inspect, dump)
	return cmd
}

func inspectQueueFiles(w io.Writer, q config.Queue) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "WAL:\t%s\n", q.WALPath)
	if _, err := os.Stat(q.WALPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(tw, "  status:\tmissing\n")
	} else {
		if err := wal.ValidateWAL(q.WALPath); err != nil {
			fmt.Fprintf(tw, "  status:\tINVALID: %v\n", err)
		} else {
			fmt.Fprintf(tw, "  status:\tok\n")
		}
		stats, err := wal.GetWALStats(q.WALPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "  events:\t%d (seq %d..%d)\n", stats.TotalEvents, stats.FirstSeq, stats.LastSeq)
		types := make([]string, 0, len(stats.EventTypes))
		for t := range stats.EventTypes {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(tw, "  %s:\t%d\n", t, stats.EventTypes[wal.EventType(t)])
		}
		if last, err := wal.GetLastEvent(q.WALPath); err == nil {
			subject := string(last.JobID)
			if subject == "" {
				subject = last.RecurringID
			}
			fmt.Fprintf(tw, "  last:\t%s %s at %s\n", last.Type, subject, time.UnixMilli(last.Timestamp).UTC().Format(time.RFC3339))
		}
	}

	rotated, err := wal.RotatedFiles(q.WALPath)
	if err != nil {
		return err
	}
	for _, f := range rotated {
		n, err := wal.CountEvents(f)
		if err != nil {
			fmt.Fprintf(tw, "  rotated %s:\tunreadable: %v\n", f, err)
			continue
		}
		fmt.Fprintf(tw, "  rotated %s:\t%d events\n", f, n)
	}

	snap := snapshot.NewManager(q.SnapshotPath)
	fmt.Fprintf(tw, "Snapshot:\t%s\n", snap.GetPath())
	if !snap.Exists() {
		fmt.Fprintf(tw, "  status:\tmissing\n")
		return nil
	}
	data, err := snap.Load()
	if err != nil {
		fmt.Fprintf(tw, "  status:\tINVALID: %v\n", err)
		return nil
	}
	fmt.Fprintf(tw, "  status:\tok (schema %d)\n", data.SchemaVer)
	fmt.Fprintf(tw, "  covers seq:\t%d\n", data.LastSeq)
	fmt.Fprintf(tw, "  jobs:\t%d\n", len(data.Jobs))
	fmt.Fprintf(tw, "  recurring:\t%d\n", len(data.Recurring))
	backups, err := snap.Backups()
	if err != nil {
		return err
	}
	fmt.Fprintf(tw, "  backups:\t%d\n", len(backups))
	return nil
}
