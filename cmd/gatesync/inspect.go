package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
)

type statusReport struct {
	Queue    queue.Stats       `json:"queue"`
	Entities []repo.TypeStats `json:"entities"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counters from the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := a.openDB()
			if err != nil {
				return err
			}
			defer closeDB()

			q := queue.New(store.New(db), a.policy(), a.cfg.Retry.MaxAttempts)
			st, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			ents, err := repo.AllEntityStats(cmd.Context(), db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, statusReport{Queue: st, Entities: ents})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "pending\t%d\n", st.Pending)
			fmt.Fprintf(tw, "dead letters\t%d\n", st.DeadLetters)
			fmt.Fprintf(tw, "buffered events\t%d\n", st.Buffered)
			fmt.Fprintf(tw, "enqueued\t%d\n", st.Enqueued)
			fmt.Fprintf(tw, "completed\t%d\n", st.Completed)
			fmt.Fprintf(tw, "dead-lettered\t%d\n", st.DeadLettered)
			fmt.Fprintf(tw, "discarded\t%d\n", st.Discarded)
			for _, e := range ents {
				fmt.Fprintf(tw, "%s rows\t%d\n", e.Type, e.Count)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newPendingCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued mutations in submission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeDB, err := a.openQueue()
			if err != nil {
				return err
			}
			defer closeDB()

			items, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if items == nil {
					items = []domain.QueueItem{}
				}
				return printJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "queue empty")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTYPE\tOP\tLOCAL ID\tATTEMPTS\tSTATE\tLAST ERROR")
			for _, it := range items {
				state := "waiting"
				if it.InFlight {
					state = "in flight"
				} else if it.NextAttemptAt != nil {
					state = "retry " + it.NextAttemptAt.Local().Format(time.TimeOnly)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					it.Seq, it.EntityType, it.Operation, it.LocalID, it.Attempts, state, it.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")
	return cmd
}

func newDeadLettersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dl"},
		Short:   "Inspect, retry or discard dead-lettered mutations",
	}

	var (
		asJSON bool
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeDB, err := a.openQueue()
			if err != nil {
				return err
			}
			defer closeDB()

			dls, err := q.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if dls == nil {
					dls = []domain.DeadLetter{}
				}
				return printJSON(out, dls)
			}
			if len(dls) == 0 {
				fmt.Fprintln(out, "no dead letters")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSEQ\tTYPE\tOP\tATTEMPTS\tKIND\tDEAD AT\tLAST ERROR")
			for _, d := range dls {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					d.ID, d.QueueSeq, d.EntityType, d.Operation, d.Attempts, d.ErrorKind,
					d.DeadAt.Local().Format(time.DateTime), d.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to list")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue a dead letter at the tail of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeDB, err := a.openQueue()
			if err != nil {
				return err
			}
			defer closeDB()

			seq, err := q.RetryDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued as %d\n", seq)
			return nil
		},
	}

	discard := &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a dead letter for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeDB, err := a.openQueue()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := q.DiscardDeadLetter(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "discarded")
			return nil
		},
	}

	cmd.AddCommand(list, retry, discard)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
