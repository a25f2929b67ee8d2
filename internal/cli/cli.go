// ============================================================================
// pbem-host CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running nodes and administering games
//
// Command Structure:
//   pbem                              # Root command
//   ├── serve --mode --master         # Run a standalone, master or worker node
//   ├── game                          # Game commands
//   │   ├── create NAME               #   --type --schedule --tz --server
//   │   ├── start|pause|resume|stop ID
//   │   ├── options ID                #   --schedule --tz --server
//   │   ├── join ID                   #   --name --email --password
//   │   ├── quit ID                   #   --email --password
//   │   ├── orders ID                 #   --email --password --file
//   │   ├── show ID
//   │   └── list
//   ├── turn run                      # --game --turn --force-*
//   ├── job status ID
//   ├── reconcile                     # --game
//   ├── status                        # Queue statistics of the node
//   └── wal inspect|dump              # Offline look at the queue's files
//
// serve and wal read the YAML file given by --config (default
// configs/default.yaml). Everything else talks to the admin gRPC service
// at --addr.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/pbem-host/api/pbemv1"
	"github.com/ChuLiYu/pbem-host/internal/server"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Dialer connects to the admin service.
type Dialer func(addr string) (*pbemv1.OrchestratorClient, io.Closer, error)

type app struct {
	configFile string
	addr       string
	timeout    time.Duration
	dial       Dialer
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	return NewRoot(func(addr string) (*pbemv1.OrchestratorClient, io.Closer, error) {
		return server.Dial(addr)
	})
}

// NewRoot builds the command tree with a custom admin connection.
func NewRoot(dial Dialer) *cobra.Command {
	a := &app{dial: dial}
	root := &cobra.Command{
		Use:   "pbem",
		Short: "pbem-host: turn orchestration for play-by-email games",
		Long: `pbem-host schedules and runs the turns of play-by-email games:
- cron-driven turn jobs per game, reconciled from game state
- a staged, resumable turn pipeline around external engines
- a crash-recoverable job queue with local or remote workers`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")
	root.PersistentFlags().StringVar(&a.addr, "addr", "localhost:50051", "admin service address")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "admin call timeout")

	root.AddCommand(
		a.serveCommand(),
		a.gameCommand(),
		a.turnCommand(),
		a.jobCommand(),
		a.reconcileCommand(),
		a.statusCommand(),
		a.walCommand(),
	)
	return root
}

// call runs fn against the admin service.
func (a *app) call(cmd *cobra.Command, fn func(ctx context.Context, c *pbemv1.OrchestratorClient) error) error {
	client, conn, err := a.dial(a.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	return fn(ctx, client)
}

// ============================================================================
// game
// ============================================================================

func (a *app) gameCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "game", Short: "Manage games and factions"}
	cmd.AddCommand(
		a.gameCreateCommand(),
		a.gameTransitionCommand(pbemv1.CommandStart, "Start a game and open its first turn"),
		a.gameTransitionCommand(pbemv1.CommandPause, "Pause a running game"),
		a.gameTransitionCommand(pbemv1.CommandResume, "Resume a paused game"),
		a.gameTransitionCommand(pbemv1.CommandStop, "Complete a game"),
		a.gameOptionsCommand(),
		a.gameJoinCommand(),
		a.gameQuitCommand(),
		a.gameOrdersCommand(),
		a.gameShowCommand(),
		a.gameListCommand(),
	)
	return cmd
}

// gameCall sends one game command.
func (a *app) gameCall(cmd *cobra.Command, req *pbemv1.GameCommandRequest) (*pbemv1.GameCommandResponse, error) {
	var resp *pbemv1.GameCommandResponse
	err := a.call(cmd, func(ctx context.Context, c *pbemv1.OrchestratorClient) error {
		var err error
		resp, err = c.GameCommand(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *app) gameCreateCommand() *cobra.Command {
	req := &pbemv1.GameCommandRequest{Command: pbemv1.CommandCreate}
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			resp, err := a.gameCall(cmd, req)
			if err != nil {
				return err
			}
			return printGames(cmd.OutOrStdout(), resp.Games)
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "LOCAL", "game type: LOCAL or REMOTE")
	optionFlags(cmd, req)
	return cmd
}

func (a *app) gameTransitionCommand(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := a.gameCall(cmd, &pbemv1.GameCommandRequest{Command: command, GameID: id})
			if err != nil {
				return err
			}
			return printGames(cmd.OutOrStdout(), resp.Games)
		},
	}
}

// gameOptionsCommand changes only the options given as flags; the others
// keep their current values.
func (a *app) gameOptionsCommand() *cobra.Command {
	req := &pbemv1.GameCommandRequest{Command: pbemv1.CommandOptions}
	cmd := &cobra.Command{
		Use:   "options ID",
		Short: "Change a game's schedule, time zone or server address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			current, err := a.gameCall(cmd, &pbemv1.GameCommandRequest{Command: pbemv1.CommandShow, GameID: id})
			if err != nil {
				return err
			}
			if len(current.Games) != 1 {
				return fmt.Errorf("game %d not returned by the server", id)
			}
			g := current.Games[0]
			flags := cmd.Flags()
			if !flags.Changed("schedule") {
				req.Schedule = g.Schedule
			}
			if !flags.Changed("tz") {
				req.TimeZone = g.TimeZone
			}
			if !flags.Changed("server") {
				req.ServerAddress = g.ServerAddress
			}
			req.GameID = id
			resp, err := a.gameCall(cmd, req)
			if err != nil {
				return err
			}
			return printGames(cmd.OutOrStdout(), resp.Games)
		},
	}
	optionFlags(cmd, req)
	return cmd
}

func optionFlags(cmd *cobra.Command, req *pbemv1.GameCommandRequest) {
	cmd.Flags().StringVar(&req.Schedule, "schedule", "", "5-field cron schedule for turns, empty for manual turns")
	cmd.Flags().StringVar(&req.TimeZone, "tz", "", "IANA time zone of the schedule, empty for the host zone")
	cmd.Flags().StringVar(&req.ServerAddress, "server", "", "engine server URL (REMOTE games)")
}

func credentialFlags(cmd *cobra.Command, req *pbemv1.GameCommandRequest) {
	cmd.Flags().StringVar(&req.Email, "email", "", "player email")
	cmd.Flags().StringVar(&req.Password, "password", "", "player password")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
}

func (a *app) gameJoinCommand() *cobra.Command {
	req := &pbemv1.GameCommandRequest{Command: pbemv1.CommandJoin}
	cmd := &cobra.Command{
		Use:   "join ID",
		Short: "Join a game with a new faction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req.GameID = id
			resp, err := a.gameCall(cmd, req)
			if err != nil {
				return err
			}
			return printPlayers(cmd.OutOrStdout(), resp.Players)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "faction name")
	credentialFlags(cmd, req)
	return cmd
}

func (a *app) gameQuitCommand() *cobra.Command {
	req := &pbemv1.GameCommandRequest{Command: pbemv1.CommandQuit}
	cmd := &cobra.Command{
		Use:   "quit ID",
		Short: "Quit a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req.GameID = id
			resp, err := a.gameCall(cmd, req)
			if err != nil {
				return err
			}
			return printPlayers(cmd.OutOrStdout(), resp.Players)
		},
	}
	credentialFlags(cmd, req)
	return cmd
}

func (a *app) gameOrdersCommand() *cobra.Command {
	req := &pbemv1.GameCommandRequest{Command: pbemv1.CommandOrders}
	var file string
	cmd := &cobra.Command{
		Use:   "orders ID",
		Short: "Submit orders for the next turn",
		Long:  "Submit orders for the next turn, read from --file or from stdin when --file is - or empty.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var text []byte
			if file == "" || file == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("failed to read orders: %w", err)
			}
			req.GameID = id
			req.Orders = string(text)
			resp, err := a.gameCall(cmd, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Orders stored for turn %d\n", resp.Turn)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "orders file, - for stdin")
	credentialFlags(cmd, req)
	return cmd
}

func (a *app) gameShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a game and its players",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := a.gameCall(cmd, &pbemv1.GameCommandRequest{Command: pbemv1.CommandShow, GameID: id})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printGames(out, resp.Games); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printPlayers(out, resp.Players)
		},
	}
}

func (a *app) gameListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List games",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.gameCall(cmd, &pbemv1.GameCommandRequest{Command: pbemv1.CommandList})
			if err != nil {
				return err
			}
			return printGames(cmd.OutOrStdout(), resp.Games)
		},
	}
}

// ============================================================================
// turn, job, reconcile, status
// ============================================================================

func (a *app) turnCommand() *cobra.Command {
	req := &pbemv1.RunTurnRequest{}
	run := &cobra.Command{
		Use:   "run",
		Short: "Queue a turn run",
		Long: `Queue a turn run. Without --turn the game's next turn runs, which
requires a RUNNING game. With --turn a turn still in play is resumed or
re-run from the first stage it has not completed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *pbemv1.OrchestratorClient) error {
				resp, err := c.RunTurn(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s\n", resp.JobID)
				return nil
			})
		},
	}
	run.Flags().Int64Var(&req.GameID, "game", 0, "game id")
	run.Flags().IntVar(&req.Turn, "turn", 0, "turn number, 0 for the next turn")
	run.Flags().BoolVar(&req.ForceParse, "force-parse", false, "re-parse reports")
	run.Flags().BoolVar(&req.ForceMerge, "force-merge", false, "re-merge parsed reports")
	run.Flags().BoolVar(&req.ForceProcess, "force-process", false, "recompute statistics")
	run.MarkFlagRequired("game")

	cmd := &cobra.Command{Use: "turn", Short: "Run turns"}
	cmd.AddCommand(run)
	return cmd
}

func (a *app) jobCommand() *cobra.Command {
	st := &cobra.Command{
		Use:   "status ID",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *pbemv1.OrchestratorClient) error {
				resp, err := c.GetJobStatus(ctx, &pbemv1.JobStatusRequest{JobID: args[0]})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", resp.JobID, resp.Status)
				return nil
			})
		},
	}
	cmd := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	cmd.AddCommand(st)
	return cmd
}

func (a *app) reconcileCommand() *cobra.Command {
	var gameID int64
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge job definitions with game state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *pbemv1.OrchestratorClient) error {
				resp, err := c.Reconcile(ctx, &pbemv1.ReconcileRequest{GameID: gameID})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, o := range resp.Outcomes {
					if len(o.Upserted) == 0 && len(o.Removed) == 0 {
						fmt.Fprintf(out, "game %d: unchanged\n", o.GameID)
						continue
					}
					fmt.Fprintf(out, "game %d: upserted %v removed %v\n", o.GameID, o.Upserted, o.Removed)
				}
				if resp.Error != "" {
					return fmt.Errorf("reconcile incomplete: %s", resp.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&gameID, "game", 0, "game id, 0 for every game")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *pbemv1.OrchestratorClient) error {
				resp, err := c.Stats(ctx, &pbemv1.StatsRequest{})
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), resp)
			})
		},
	}
}

// ============================================================================
// Output
// ============================================================================

func printGames(w io.Writer, games []pbemv1.GameInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tTYPE\tLAST\tNEXT\tSCHEDULE\tZONE")
	for _, g := range games {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			g.ID, g.Name, g.Status, g.Type, turnCell(g.LastTurn), turnCell(g.NextTurn), dash(g.Schedule), dash(g.TimeZone))
	}
	return tw.Flush()
}

func printPlayers(w io.Writer, players []pbemv1.PlayerInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFACTION\tNAME\tEMAIL\tQUIT")
	for _, p := range players {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", p.ID, turnCell(p.Number), p.Name, p.Email, p.Quit)
	}
	return tw.Flush()
}

func printStats(w io.Writer, s *pbemv1.StatsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Uptime:\t%s\n", (time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(tw, "WAL sequence:\t%d\n", s.LastSeq)
	fmt.Fprintf(tw, "Recurring:\t%d\n", s.Recurring)
	for _, state := range []string{"scheduled", "enqueued", "awaiting", "processing", "succeeded", "failed", "deleted"} {
		fmt.Fprintf(tw, "Jobs %s:\t%d\n", state, s.Jobs[state])
	}
	for _, wk := range s.Workers {
		fmt.Fprintf(tw, "Worker %s:\tload %d, seen %s\n", wk.ID, wk.Load, time.UnixMilli(wk.LastSeen).Format(time.RFC3339))
	}
	return tw.Flush()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid game id %q", s)
	}
	return id, nil
}

func turnCell(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
