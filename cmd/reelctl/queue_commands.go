package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bobarin/reelforge/internal/queue"
	"github.com/spf13/cobra"
)

func newQueuesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show job queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.redisURL == "" {
				return errors.New("redis URL is required (--redis-url or REDIS_URL)")
			}
			rdb, err := queue.NewRedis(ctx.redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			stats, err := queue.New(rdb, 0).AllStats(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, stats)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQueueStats(stats))
			return nil
		},
	}
}

func renderQueueStats(stats []queue.Stats) string {
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Queue,
			strconv.Itoa(s.Depth()),
			strconv.Itoa(s.Pending),
			strconv.Itoa(s.Active),
			strconv.Itoa(s.Scheduled),
			strconv.Itoa(s.Retry),
			strconv.Itoa(s.Archived),
		})
	}
	return renderTable(
		[]string{"Queue", "Depth", "Pending", "Active", "Scheduled", "Retry", "Archived"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}
