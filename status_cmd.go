package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/naturalspeech/naturalspeech/internal/bus"
	"github.com/naturalspeech/naturalspeech/internal/speech"
)

var (
	cancelLine   string
	cancelOthers bool
	cancelAll    bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the models of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := bus.Connect(busURL(), cfg.Bus.SubjectPrefix, 2*time.Second)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			models, err := client.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderStatus(models))
			return nil
		},
	}

	cancelCmd = &cobra.Command{
		Use:     "cancel",
		Short:   "Cancel speech on a running server",
		Example: paragraph("naturalspeech cancel --line bob\nnaturalspeech cancel --others --line alice\nnaturalspeech cancel --all"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := bus.Connect(busURL(), cfg.Bus.SubjectPrefix, 2*time.Second)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return client.Cancel(ctx, bus.CancelRequest{Line: cancelLine, Others: cancelOthers, All: cancelAll})
		},
	}
)

func init() {
	cancelCmd.Flags().StringVarP(&cancelLine, "line", "l", "", "line to cancel, or to keep with --others")
	cancelCmd.Flags().BoolVar(&cancelOthers, "others", false, "cancel every line except --line")
	cancelCmd.Flags().BoolVarP(&cancelAll, "all", "a", false, "cancel every line")
}

func renderStatus(models []speech.ModelStatus) string {
	if len(models) == 0 {
		return idleStyle.Render("No models are running.")
	}
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		state := idleStyle.Render("inactive")
		if m.Active {
			state = activeStyle.Render("active")
		}
		rows = append(rows, []string{
			m.Model,
			m.Engine,
			state,
			strconv.Itoa(m.Workers),
			strconv.Itoa(m.Busy),
			humanize.Comma(int64(m.Queued)),
			humanize.Comma(m.Dropped),
			humanize.Comma(m.Overflows),
		})
	}
	return table([]string{"MODEL", "ENGINE", "STATE", "WORKERS", "BUSY", "QUEUED", "DROPPED", "OVERFLOWS"}, rows)
}
