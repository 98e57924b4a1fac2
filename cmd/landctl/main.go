// Command landctl is the operator and owner command line for the land registry.
//
//	landctl login --token-file ~/.landledger/delegation
//	landctl whoami
//	landctl parcels
//	landctl initiate --parcel P --to PRINCIPAL --fee 100 --reason sale
//	landctl pending
//	landctl approve --parcel P
//	landctl reject --parcel P --reason "missing deed"
//	landctl jobs stats|retry|trigger
//	landctl logout
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/landledger/landledger/cmd/landctl/cli"
	"github.com/landledger/landledger/internal/app"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/platform/cache"
	"github.com/landledger/landledger/internal/session"
	"github.com/landledger/landledger/internal/transfer"
	"github.com/landledger/landledger/jobs"
)

const usage = `usage: landctl <command> [flags]

commands:
  login      log in with a delegation from the identity provider
  logout     forget the stored session
  whoami     show the current principal and roles
  parcels    list parcels you own
  initiate   request a transfer of a parcel you own
  pending    list transfer requests awaiting a decision
  approve    approve the pending transfer of a parcel
  reject     reject the pending transfer of a parcel
  jobs       inspect or trigger background jobs
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitUsage
	}
	command, args := args[0], args[1:]

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "landctl: load config: %v\n", err)
		return cli.ExitFailure
	}
	logger := app.NewLogger(cfg)

	if command == "jobs" {
		return runJobs(ctx, cfg, args, stdout, stderr)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	tokenFile := fs.String("token-file", "", "delegation file written by the identity provider (login)")
	token := fs.String("token", os.Getenv("LANDLEDGER_DELEGATION"), "delegation text (login)")
	parcel := fs.String("parcel", "", "parcel id")
	to := fs.String("to", "", "new owner principal (initiate)")
	fee := fs.Int64("fee", 0, "transfer fee (initiate)")
	reason := fs.String("reason", "", "reason for the transfer or rejection")
	docs := fs.String("documents", "", "comma separated document hashes (initiate)")
	if err := fs.Parse(args); err != nil {
		return cli.ExitUsage
	}
	out := cli.Output{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "landctl: session store: %v\n", err)
		return cli.ExitFailure
	}
	defer func() { _ = redisClient.Close() }()

	verifier, err := cfg.Verifier()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "landctl: %v\n", err)
		return cli.ExitFailure
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "landctl: %v\n", err)
		return cli.ExitFailure
	}

	var source identity.TokenSource = identity.StaticToken(*token)
	if *tokenFile != "" {
		source = identity.FileToken(*tokenFile)
	}
	provider := identity.NewTokenProvider(source, verifier,
		identity.WithStore(identity.NewRedisStore(redisClient, cfg.SessionProfile)))
	manager := session.NewManager(provider, sessionCfg, session.WithLogger(logger))

	land, err := cli.NewLandCLI(manager, transfer.New(transfer.WithLogger(logger)))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "landctl: %v\n", err)
		return cli.ExitFailure
	}

	switch command {
	case "login":
		return land.LoginCommand(ctx, out)
	case "logout":
		return land.LogoutCommand(ctx, out)
	case "whoami":
		return land.WhoAmICommand(ctx, out)
	case "parcels":
		return land.ParcelsCommand(ctx, out)
	case "initiate":
		return land.InitiateCommand(ctx, cli.InitiateOptions{
			Output:    out,
			ParcelID:  *parcel,
			NewOwner:  *to,
			Fee:       *fee,
			Reason:    *reason,
			Documents: splitList(*docs),
		})
	case "pending":
		return land.PendingCommand(ctx, out)
	case "approve":
		return land.ApproveCommand(ctx, cli.DecisionOptions{Output: out, ParcelID: *parcel})
	case "reject":
		return land.RejectCommand(ctx, cli.DecisionOptions{Output: out, ParcelID: *parcel, Reason: *reason})
	default:
		_, _ = fmt.Fprintf(stderr, "landctl: unknown command %q\n\n%s", command, usage)
		return cli.ExitUsage
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "usage: landctl jobs stats|retry|trigger [flags]")
		return cli.ExitUsage
	}
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("jobs "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	size := fs.Int("size", 10, "page size (retry)")
	name := fs.String("name", jobs.TaskStalePendingScan, "job to trigger (trigger)")
	olderThan := fs.Duration("older-than", cfg.StalePendingAfter, "stale threshold (trigger)")
	if err := fs.Parse(args); err != nil {
		return cli.ExitUsage
	}
	out := cli.Output{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "landctl: %v\n", err)
		return cli.ExitFailure
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			slog.Default().Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	switch sub {
	case "stats":
		return jobsCLI.JobsStatsCommand(ctx, out)
	case "retry":
		return jobsCLI.JobsRetryCommand(ctx, *size, out)
	case "trigger":
		return jobsCLI.JobsTriggerCommand(ctx, *name, *olderThan, out)
	default:
		_, _ = fmt.Fprintf(stderr, "landctl: unknown jobs command %q\n", sub)
		return cli.ExitUsage
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
