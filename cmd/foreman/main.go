// Command foreman runs independent development tasks in parallel, each in an
// isolated git worktree with its own port lease, and publishes every
// completed task as a pushed branch with a change request.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/config"
	"github.com/forgeline/foreman/internal/events"
	"github.com/forgeline/foreman/internal/gitops"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/orchestrator"
	"github.com/forgeline/foreman/internal/ports"
	"github.com/forgeline/foreman/internal/store"
	"github.com/forgeline/foreman/internal/task"
	"github.com/forgeline/foreman/internal/worker"
	"github.com/forgeline/foreman/internal/workspace"
)

func main() {
	// A .env in the project root may carry worker credentials.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Parallel task orchestrator with per-task worktree isolation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), submitCmd(), statusCmd(), logsCmd(), cancelCmd(), retryCmd())
	return root
}

// taskSpec is the on-disk description of one task in a tasks file.
type taskSpec struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Kind      string   `json:"kind,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var tasksPath string
	var maxConcurrent int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resume persisted tasks, submit new ones, and run until done",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxConcurrent > 0 {
				cfg.MaxConcurrentTasks = maxConcurrent
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sink := events.NewSink(st)
			defer sink.Close()

			pm := worker.NewProcessManager()
			exec, err := worker.NewExec(worker.Config{
				Command: cfg.Worker.Command,
				Env:     cfg.Worker.Env,
			}, pm)
			if err != nil {
				return err
			}

			orch := orchestrator.New(orchestrator.Config{
				MaxConcurrentTasks: cfg.MaxConcurrentTasks,
				RetryBudget:        cfg.RetryBudget,
				PushbackLimit:      cfg.PushbackLimit,
				PhaseTimeout:       time.Duration(cfg.PhaseTimeout),
			}, orchestrator.Deps{
				Store: st,
				Sink:  sink,
				Workspaces: workspace.NewManager(workspace.Config{
					RepoPath:   cfg.RepoPath,
					BaseBranch: cfg.BaseBranch,
					Dir:        cfg.WorktreeDir,
				}),
				Git: gitops.NewClient(gitops.Config{
					BaseBranch: cfg.BaseBranch,
					Remote:     cfg.Remote,
				}),
				Ports:  ports.NewAllocator(cfg.PortLeaseAttempts),
				Worker: worker.NewResilient("phase-worker", exec, worker.DefaultRetryConfig()),
			})

			if err := orch.Resume(ctx); err != nil {
				return fmt.Errorf("resuming persisted state: %w", err)
			}

			if tasksPath != "" {
				if err := submitTasksFile(ctx, orch, tasksPath); err != nil {
					return err
				}
			}

			// On shutdown, take the worker subprocess trees down with us.
			go func() {
				<-ctx.Done()
				if err := pm.KillAll(); err != nil {
					log.Printf("killing worker processes: %v", err)
				}
			}()

			runErr := orch.Run(ctx)
			printSummary(cmd, orch.Tasks())
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tasksPath, "tasks", "", "JSON file with tasks to submit")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Override max concurrent tasks")
	return cmd
}

func submitTasksFile(ctx context.Context, orch *orchestrator.Orchestrator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading tasks file: %w", err)
	}
	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parsing tasks file: %w", err)
	}

	for _, spec := range specs {
		t := task.New(spec.ID, spec.Title, spec.Kind, spec.DependsOn)
		err := orch.Submit(ctx, t)
		if errors.Is(err, graph.ErrDuplicateTask) {
			continue // Already persisted from a previous run
		}
		if err != nil {
			return fmt.Errorf("submitting task %s: %w", spec.ID, err)
		}
	}
	return nil
}

func submitCmd() *cobra.Command {
	var tasksPath string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue tasks for the next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			data, err := os.ReadFile(tasksPath)
			if err != nil {
				return fmt.Errorf("reading tasks file: %w", err)
			}
			var specs []taskSpec
			if err := json.Unmarshal(data, &specs); err != nil {
				return fmt.Errorf("parsing tasks file: %w", err)
			}

			// Replay the persisted graph so cycle and duplicate checks see
			// everything already queued.
			existing, err := st.ListTasks(ctx)
			if err != nil {
				return err
			}
			resolver := graph.NewResolver()
			for _, t := range existing {
				if err := resolver.Submit(t); err != nil {
					return fmt.Errorf("rebuilding graph: %w", err)
				}
			}

			var added int
			for _, spec := range specs {
				t := task.New(spec.ID, spec.Title, spec.Kind, spec.DependsOn)
				err := resolver.Submit(t)
				if errors.Is(err, graph.ErrDuplicateTask) {
					continue
				}
				if err != nil {
					return fmt.Errorf("submitting task %s: %w", spec.ID, err)
				}
				if err := st.SaveTask(ctx, t); err != nil {
					return fmt.Errorf("persisting task %s: %w", spec.ID, err)
				}
				added++
			}

			cmd.Printf("%d tasks queued; run `foreman run` to execute\n", added)
			return nil
		},
	}

	cmd.Flags().StringVar(&tasksPath, "tasks", "", "JSON file with tasks to submit")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued task and block its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			id := args[0]

			tasks, err := st.ListTasks(ctx)
			if err != nil {
				return err
			}
			resolver := graph.NewResolver()
			before := make(map[string]task.Status, len(tasks))
			for _, t := range tasks {
				before[t.ID] = t.Status
				if err := resolver.Submit(t); err != nil {
					return fmt.Errorf("rebuilding graph: %w", err)
				}
			}

			cur, ok := before[id]
			if !ok {
				return fmt.Errorf("task %s not found", id)
			}
			if cur.Terminal() {
				return fmt.Errorf("task %s is already %s", id, cur)
			}
			if cur == task.Running {
				return fmt.Errorf("task %s is running; cancel it through the running process", id)
			}

			if err := resolver.MarkCancelled(id, "cancelled by operator"); err != nil {
				return err
			}
			for _, t := range resolver.Tasks() {
				if t.Status == before[t.ID] {
					continue
				}
				if err := st.UpdateTaskStatus(ctx, t.ID, t.Status, t.Phase, t.Attempt, t.Pushbacks, t.LastError); err != nil {
					return err
				}
			}

			cmd.Printf("task %s cancelled\n", id)
			return nil
		},
	}
}

func printSummary(cmd *cobra.Command, tasks []*task.Task) {
	counts := make(map[task.Status]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	cmd.Printf("\n%d tasks: %d completed, %d failed, %d blocked, %d cancelled\n",
		len(tasks), counts[task.Completed], counts[task.Failed], counts[task.Blocked], counts[task.Cancelled])
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every task's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tATTEMPT\tBRANCH\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, t.Status, t.Phase, t.Attempt, t.Branch, t.Title)
			}
			return w.Flush()
		},
	}
}

func logsCmd() *cobra.Command {
	var follow bool
	var afterSeq int64

	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print a task's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			taskID := args[0]
			last := afterSeq
			for {
				evts, err := st.EventsSince(ctx, taskID, last)
				if err != nil {
					return err
				}
				for _, e := range evts {
					printEvent(cmd, e)
					last = e.Seq
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events")
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "Start after this sequence number")
	return cmd
}

func printEvent(cmd *cobra.Command, e events.Event) {
	line := fmt.Sprintf("%s  %-5s  %-9s  %s",
		e.At.Format(time.RFC3339), e.Level, e.Phase, e.Message)
	for k, v := range e.Meta {
		line += fmt.Sprintf("  %s=%s", k, v)
	}
	cmd.Println(line)
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-admit a failed or cancelled task with fresh budgets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			id := args[0]

			// Reclaim a preserved workspace so the rerun provisions cleanly.
			if cfg.RepoPath != "" {
				if ws, live, err := st.GetWorkspace(ctx, id); err == nil && live && ws != nil {
					manager := workspace.NewManager(workspace.Config{
						RepoPath:   cfg.RepoPath,
						BaseBranch: cfg.BaseBranch,
						Dir:        cfg.WorktreeDir,
					})
					if err := manager.Destroy(ctx, ws); err != nil {
						return fmt.Errorf("reclaiming workspace: %w", err)
					}
					if err := st.MarkWorkspaceDestroyed(ctx, id); err != nil {
						return err
					}
				}
			}

			// Replay the persisted graph, clear the task, and write back every
			// status the clear changed.
			tasks, err := st.ListTasks(ctx)
			if err != nil {
				return err
			}
			resolver := graph.NewResolver()
			before := make(map[string]task.Status, len(tasks))
			for _, t := range tasks {
				before[t.ID] = t.Status
				if err := resolver.Submit(t); err != nil {
					return fmt.Errorf("rebuilding graph: %w", err)
				}
			}
			resolver.Rebuild()
			if err := resolver.Clear(id); err != nil {
				return err
			}
			for _, t := range resolver.Tasks() {
				if t.Status == before[t.ID] {
					continue
				}
				if err := st.UpdateTaskStatus(ctx, t.ID, t.Status, t.Phase, t.Attempt, t.Pushbacks, t.LastError); err != nil {
					return err
				}
			}

			cmd.Printf("task %s re-admitted; run `foreman run` to execute\n", id)
			return nil
		},
	}
}
