package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/infrastructure/store"
	"rillcast/internal/signaling"
	"rillcast/pkg/utils"

	"github.com/spf13/cobra"
)

func newBufferCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "buffer <stream-id>",
		Short: "Show a stream's metadata and rolling buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			shared := store.New(cfg, log, nil)
			defer shared.Close()
			channel := signaling.NewChannel(shared, shared, log, signaling.Options{})

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			streamID := domain.StreamID(args[0])
			meta, err := shared.GetMetadata(ctx, streamID)
			if err != nil {
				return err
			}
			window, err := channel.BufferWindow(ctx, streamID)
			if err != nil {
				return err
			}
			return printBuffer(cmd.OutOrStdout(), meta, window)
		},
	}
}

func printBuffer(out io.Writer, meta *domain.StreamMetadata, window domain.BufferWindow) error {
	fmt.Fprintf(out, "stream:   %s\n", meta.StreamID)
	fmt.Fprintf(out, "title:    %s\n", meta.Title)
	fmt.Fprintf(out, "status:   %s\n", meta.Status)
	fmt.Fprintf(out, "viewers:  %d\n", meta.ViewerCount)
	fmt.Fprintf(out, "buffered: %s in %d chunks\n\n", utils.FormatDuration(utils.Seconds(window.TotalSeconds)), len(window.Chunks))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tRECORDED\tDURATION\tSIZE")
	for _, chunk := range window.Chunks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n",
			chunk.Seq,
			chunk.Timestamp.UTC().Format(time.RFC3339),
			utils.FormatDuration(chunk.Duration()),
			chunk.SizeBytes,
		)
	}
	return w.Flush()
}
