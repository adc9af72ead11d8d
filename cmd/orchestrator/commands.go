package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/britta/orchestrator/internal/persistence"
)

// withRuntime opens a quiet runtime for one-shot commands.
func withRuntime(fn func(cmd *cobra.Command, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, rt, args)
	}
}

func newTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick: create this period's tasks for every tenant",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			res, err := rt.ticker.Tick(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
				return werr
			}
			return err
		}),
	}
}

func newRunNextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-next",
		Short: "Claim the next eligible task and execute it",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			task, err := rt.orch.RunNext(cmd.Context())
			if err != nil {
				return err
			}
			if task == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "no eligible task")
				return nil
			}
			return writeJSON(cmd.OutOrStdout(), task)
		}),
	}
}

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and toggle the agent registry",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered agents",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
				entries, err := rt.orch.ListAgents(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}),
		},
		newToggleCommand("enable", true),
		newToggleCommand("disable", false),
	)
	return cmd
}

func newToggleCommand(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <agent-type>",
		Short: fmt.Sprintf("%s an agent type", verb),
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			entry, err := rt.orch.SetAgentEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entry)
		}),
	}
}

type taskFlags struct {
	tenant    string
	agentType string
	status    string
	limit     int
	offset    int
}

func (f *taskFlags) filter() (persistence.TaskFilter, error) {
	out := persistence.TaskFilter{
		TenantID:  f.tenant,
		AgentType: f.agentType,
		Limit:     f.limit,
		Offset:    f.offset,
	}
	if f.status != "" {
		st, ok := persistence.ParseTaskStatus(f.status)
		if !ok {
			return out, fmt.Errorf("unknown status %q", f.status)
		}
		out.Status = st
	}
	return out, nil
}

func newTasksCommand() *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List, cancel and retry tasks",
	}
	cmd.PersistentFlags().StringVar(&flags.tenant, "tenant", "", "restrict to one tenant (default: all tenants)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			tasks, total, err := rt.orch.ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []persistence.Task{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"tasks": tasks, "total": total})
		}),
	}
	list.Flags().StringVar(&flags.agentType, "agent-type", "", "filter by agent type")
	list.Flags().StringVar(&flags.status, "status", "", "filter by status")
	list.Flags().IntVar(&flags.limit, "limit", persistence.DefaultListLimit, "page size")
	list.Flags().IntVar(&flags.offset, "offset", 0, "page offset")

	cancel := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			task, err := rt.orch.Cancel(cmd.Context(), flags.tenant, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), task)
		}),
	}

	retry := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Requeue a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			task, err := rt.orch.Retry(cmd.Context(), flags.tenant, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), task)
		}),
	}

	cmd.AddCommand(list, cancel, retry)
	return cmd
}
