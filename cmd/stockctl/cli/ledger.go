// Package cli implements the stockctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// Exit codes shared by every command.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitUsage     = 2
	ExitCorrupted = 10
)

// Projector checks and repairs snapshots.
type Projector interface {
	Verify(ctx context.Context, storeID, productID string) error
	VerifyAll(ctx context.Context, storeID string) (inventory.VerifyReport, error)
	Rebuild(ctx context.Context, storeID, productID, actorID string) (inventory.StockSnapshot, error)
}

// HistoryReader pages through a line's ledger.
type HistoryReader interface {
	GetHistory(ctx context.Context, storeID, productID string, query inventory.HistoryQuery) (inventory.HistoryPage, error)
}

// Scanner produces the low-stock report.
type Scanner interface {
	Scan(ctx context.Context, storeID string) ([]inventory.LowStockAlert, error)
}

// Enqueuer schedules a background low-stock scan.
type Enqueuer interface {
	EnqueueLowStockScan(ctx context.Context, storeID, requestedBy string) (string, error)
}

// LedgerCLI runs operator commands against the stock ledger.
type LedgerCLI struct {
	projector Projector
	history   HistoryReader
	scanner   Scanner
	enqueuer  Enqueuer
}

// NewLedgerCLI constructs the command set. enqueuer may be nil.
func NewLedgerCLI(projector Projector, history HistoryReader, scanner Scanner, enqueuer Enqueuer) (*LedgerCLI, error) {
	if projector == nil || history == nil || scanner == nil {
		return nil, errors.New("stockctl: projector, history and scanner are required")
	}
	return &LedgerCLI{projector: projector, history: history, scanner: scanner, enqueuer: enqueuer}, nil
}

// Options carries flags common to every command.
type Options struct {
	StoreID    string
	ProductID  string
	ActorID    string
	Cursor     string
	PageSize   int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Options) normalise() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	o.StoreID = strings.TrimSpace(o.StoreID)
	o.ProductID = strings.TrimSpace(o.ProductID)
}

// VerifySummary is the JSON shape of the verify command.
type VerifySummary struct {
	OK        bool                               `json:"ok"`
	Checked   int                                `json:"checked"`
	Corrupted []*inventory.LedgerCorruptionError `json:"corrupted"`
}

// VerifyCommand checks one line, or every line of a store when no product
// is given. It exits with ExitCorrupted when any line diverges.
func (c *LedgerCLI) VerifyCommand(ctx context.Context, opts Options) int {
	opts.normalise()
	var summary VerifySummary
	if opts.ProductID != "" {
		if opts.StoreID == "" {
			_, _ = fmt.Fprintln(opts.Stderr, "verify: --store is required with --product")
			return ExitUsage
		}
		summary.Checked = 1
		err := c.projector.Verify(ctx, opts.StoreID, opts.ProductID)
		var corruption *inventory.LedgerCorruptionError
		switch {
		case errors.As(err, &corruption):
			summary.Corrupted = append(summary.Corrupted, corruption)
		case err != nil:
			_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
			return ExitError
		}
	} else {
		report, err := c.projector.VerifyAll(ctx, opts.StoreID)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
			return ExitError
		}
		summary.Checked = report.Checked
		summary.Corrupted = report.Corrupted
	}
	if summary.Corrupted == nil {
		summary.Corrupted = []*inventory.LedgerCorruptionError{}
	}
	summary.OK = len(summary.Corrupted) == 0

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return ExitError
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "checked %d line(s), %d corrupted\n", summary.Checked, len(summary.Corrupted))
		for _, item := range summary.Corrupted {
			_, _ = fmt.Fprintf(opts.Stdout, " - %s/%s stored=%d folded=%d: %s\n", item.StoreID, item.ProductID, item.Stored, item.Folded, item.Detail)
		}
	}
	if !summary.OK {
		return ExitCorrupted
	}
	return ExitOK
}

// RebuildCommand recomputes a line's snapshot from its ledger.
func (c *LedgerCLI) RebuildCommand(ctx context.Context, opts Options) int {
	opts.normalise()
	if opts.StoreID == "" || opts.ProductID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "rebuild: --store and --product are required")
		return ExitUsage
	}
	if opts.ActorID == "" {
		opts.ActorID = "stockctl"
	}
	snap, err := c.projector.Rebuild(ctx, opts.StoreID, opts.ProductID, opts.ActorID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "rebuild: %v\n", err)
		if errors.Is(err, inventory.ErrLedgerCorruption) {
			return ExitCorrupted
		}
		return ExitError
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(snap); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rebuild: encode json: %v\n", err)
			return ExitError
		}
		return ExitOK
	}
	_, _ = fmt.Fprintf(opts.Stdout, "%s/%s rebuilt: quantity=%d version=%d\n", snap.StoreID, snap.ProductID, snap.Quantity, snap.Version)
	return ExitOK
}

// HistoryCommand prints one page of a line's ledger, most recent first.
func (c *LedgerCLI) HistoryCommand(ctx context.Context, opts Options) int {
	opts.normalise()
	if opts.StoreID == "" || opts.ProductID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "history: --store and --product are required")
		return ExitUsage
	}
	page, err := c.history.GetHistory(ctx, opts.StoreID, opts.ProductID, inventory.HistoryQuery{
		Cursor:   opts.Cursor,
		PageSize: opts.PageSize,
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "history: %v\n", err)
		if errors.Is(err, inventory.ErrInvalidCursor) {
			return ExitUsage
		}
		return ExitError
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(page); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "history: encode json: %v\n", err)
			return ExitError
		}
		return ExitOK
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CREATED_AT\tDELTA\tREASON\tRESULT\tACTOR\tID")
	for _, evt := range page.Events {
		_, _ = fmt.Fprintf(tw, "%s\t%+d\t%s\t%d\t%s\t%s\n",
			evt.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"), evt.Delta, evt.Reason, evt.ResultingQuantity, evt.ActorID, evt.ID)
	}
	_ = tw.Flush()
	if page.NextCursor != "" {
		_, _ = fmt.Fprintf(opts.Stdout, "next cursor: %s\n", page.NextCursor)
	}
	return ExitOK
}

// LowStockCommand prints the low-stock report, most urgent first.
func (c *LedgerCLI) LowStockCommand(ctx context.Context, opts Options) int {
	opts.normalise()
	alerts, err := c.scanner.Scan(ctx, opts.StoreID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "low-stock: %v\n", err)
		return ExitError
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(map[string]any{"alerts": alerts}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "low-stock: encode json: %v\n", err)
			return ExitError
		}
		return ExitOK
	}
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(opts.Stdout, "no lines at or below threshold")
		return ExitOK
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STORE\tPRODUCT\tQUANTITY\tTHRESHOLD")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", a.StoreID, a.ProductID, a.Quantity, a.Threshold)
	}
	_ = tw.Flush()
	return ExitOK
}

// EnqueueScanCommand schedules a low-stock scan on the worker.
func (c *LedgerCLI) EnqueueScanCommand(ctx context.Context, opts Options) int {
	opts.normalise()
	if c.enqueuer == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "enqueue-scan: job queue not configured")
		return ExitError
	}
	if opts.ActorID == "" {
		opts.ActorID = "stockctl"
	}
	id, err := c.enqueuer.EnqueueLowStockScan(ctx, opts.StoreID, opts.ActorID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "enqueue-scan: %v\n", err)
		return ExitError
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s\n", id)
	return ExitOK
}
