package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"kernelbridge/internal/channel"
	"kernelbridge/internal/document"
	"kernelbridge/internal/mapper"
)

var replayDocument string

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>",
	Short: "Run cells against a scripted kernel",
	Long: `Replays a recorded kernel session. The script lists the cells to run and,
per command ("SubmitCode", "SubmitCode#2", ...), the events the kernel answers
with. Useful for reproducing correlation problems without a real kernel.

Example script:

  kernel: csharp
  cells:
    - id: cell-1
      code: "1+1"
  responses:
    SubmitCode:
      replies:
        - eventType: DisplayedValueProduced
          event:
            formattedValues: [{mimeType: text/plain, value: "2"}]
        - eventType: CommandSucceeded`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayDocument, "document", "", "Document identity to run under (default: the script path)")
	replayCmd.Flags().BoolVar(&plainOutput, "plain", false, "Print markdown and HTML outputs without styling")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	script, err := channel.LoadScript(args[0])
	if err != nil {
		return err
	}
	if replayDocument != "" {
		script.Document = replayDocument
	}
	if script.Kernel == "" {
		script.Kernel = "csharp"
	}
	id, err := document.FromPath(script.Document)
	if err != nil {
		return err
	}

	cells := make([]document.Cell, len(script.Cells))
	for i, c := range script.Cells {
		cells[i] = document.Cell{ID: c.ID, Kernel: script.Kernel, Code: c.Code}
		if cells[i].ID == "" {
			cells[i].ID = fmt.Sprintf("cell-%d", i+1)
		}
	}

	m := mapper.New(channel.ScriptedFactory(script), cfg.ClientConfig())
	defer m.DisposeAll(context.Background())

	return runJobs(ctx, cmd.OutOrStdout(), m, []job{{ID: id, Cells: cells}})
}
