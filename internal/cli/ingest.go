package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/RevCBH/hsenotify/internal/api"
	"github.com/RevCBH/hsenotify/internal/events"
)

// ingestBatchSize keeps each request well under the daemon's body limit
const ingestBatchSize = 200

// NewIngestCmd creates the ingest command, which submits JSON-lines events
// from a file or stdin.
func NewIngestCmd(a *App) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Submit JSON-lines events to the daemon",
		Long: `Reads one event per line from file, or stdin when file is omitted or "-",
and submits them in batches. Malformed lines are reported and skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			total := &api.IngestResponse{}
			var batch []events.Event
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				resp, err := c.Ingest(cmd.Context(), batch...)
				if err != nil {
					return err
				}
				total.Results = append(total.Results, resp.Results...)
				total.Failed += resp.Failed
				batch = batch[:0]
				return nil
			}

			reader := events.NewJSONLineReader(in)
			malformed := 0
			for line := 1; ; line++ {
				e, err := reader.Read()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					malformed++
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", line, err)
					continue
				}
				batch = append(batch, e)
				if len(batch) == ingestBatchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := flush(); err != nil {
				return err
			}

			if a.jsonMode(cmd) {
				if err := writeJSON(cmd.OutOrStdout(), total); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), renderIngest(total))
			}
			if strict && (total.Failed > 0 || malformed > 0) {
				return fmt.Errorf("%d events rejected, %d lines malformed", total.Failed, malformed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero if any event is rejected")
	return cmd
}
