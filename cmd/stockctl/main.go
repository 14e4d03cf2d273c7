package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/stockledger/cmd/stockctl/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/jobs"
)

const usage = `usage: stockctl <command> [flags]

commands:
  verify        fold ledgers and compare with snapshots (exit 10 on corruption)
  rebuild       recompute one snapshot from its ledger
  history       print a page of a line's ledger
  low-stock     print lines at or below threshold
  enqueue-scan  schedule a low-stock scan on the worker
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitUsage
	}
	command := args[0]

	fs := flag.NewFlagSet("stockctl "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cli.Options{Stdout: stdout, Stderr: stderr}
	fs.StringVar(&opts.StoreID, "store", "", "store id")
	fs.StringVar(&opts.ProductID, "product", "", "product id")
	fs.StringVar(&opts.ActorID, "actor", "", "actor recorded in the audit trail")
	fs.StringVar(&opts.Cursor, "cursor", "", "history cursor from a previous page")
	fs.IntVar(&opts.PageSize, "page-size", 0, "history page size")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON output")
	if err := fs.Parse(args[1:]); err != nil {
		return cli.ExitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitError
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect database: %v\n", err)
		return cli.ExitError
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, low stock cache disabled", slog.Any("error", err))
	} else {
		defer func() { _ = redisClient.Close() }()
	}

	inv := app.NewInventory(cfg, pool, redisClient, prometheus.NewRegistry(), logger)

	var enqueuer cli.Enqueuer
	if command == "enqueue-scan" {
		client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "init job client: %v\n", err)
			return cli.ExitError
		}
		defer func() { _ = client.Close() }()
		enqueuer = client
	}

	ledger, err := cli.NewLedgerCLI(inv.Projector, inv.Service, inv.Monitor, enqueuer)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return cli.ExitError
	}

	switch command {
	case "verify":
		return ledger.VerifyCommand(ctx, opts)
	case "rebuild":
		return ledger.RebuildCommand(ctx, opts)
	case "history":
		return ledger.HistoryCommand(ctx, opts)
	case "low-stock":
		return ledger.LowStockCommand(ctx, opts)
	case "enqueue-scan":
		return ledger.EnqueueScanCommand(ctx, opts)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return cli.ExitUsage
	}
}
