// Command orchestrator runs and administers the agent task orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		reportFailure(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Durable task queue, scheduler and dispatcher for tenant agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newTickCommand(),
		newRunNextCommand(),
		newAgentsCommand(),
		newTasksCommand(),
	)
	return root
}

// reportFailure writes startup failures as one structured line so log
// shippers can alert on reason_code; other errors print plainly.
func reportFailure(w io.Writer, err error) {
	var se *startupError
	if errors.As(err, &se) {
		fmt.Fprintf(w,
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), se.code, se.err.Error())
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}
