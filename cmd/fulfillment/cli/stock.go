package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/fulfillment/jobs"
)

// StockAuditor runs a stock ledger audit.
type StockAuditor interface {
	Run(ctx context.Context, payload jobs.StockAuditPayload) (jobs.StockAuditResult, error)
}

// StockOpsCLI exposes stock ledger checks to operators.
type StockOpsCLI struct {
	auditor StockAuditor
}

// NewStockOpsCLI constructs the helper.
func NewStockOpsCLI(auditor StockAuditor) *StockOpsCLI {
	return &StockOpsCLI{auditor: auditor}
}

// StockVerifyOptions defines flags for the verify-stock command.
type StockVerifyOptions struct {
	ProductIDs []int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StockVerifySummary is the JSON output of verify-stock.
type StockVerifySummary struct {
	OK      bool             `json:"ok"`
	Checked int              `json:"checked"`
	Drifted []StockDriftItem `json:"drifted"`
}

// StockDriftItem describes one inconsistent product.
type StockDriftItem struct {
	ProductID  int64 `json:"product_id"`
	OnHand     int64 `json:"quantity_on_hand"`
	JournalSum int64 `json:"journal_sum"`
	Delta      int64 `json:"delta"`
}

// VerifyCommand audits stock and prints the outcome. It exits 10 when drift
// is found, 1 on failure.
func (c *StockOpsCLI) VerifyCommand(ctx context.Context, opts StockVerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	for _, id := range opts.ProductIDs {
		if id <= 0 {
			_, _ = fmt.Fprintf(opts.Stderr, "verify-stock: invalid product id %d\n", id)
			return 1
		}
	}
	result, err := c.auditor.Run(ctx, jobs.StockAuditPayload{ProductIDs: opts.ProductIDs})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify-stock: %v\n", err)
		return 1
	}
	summary := buildStockSummary(result)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify-stock: encode json: %v\n", err)
			return 1
		}
	} else {
		renderStockHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildStockSummary(result jobs.StockAuditResult) StockVerifySummary {
	drifted := make([]StockDriftItem, 0, len(result.Drifted))
	for _, check := range result.Drifted {
		drifted = append(drifted, StockDriftItem{
			ProductID:  check.ProductID,
			OnHand:     check.OnHand,
			JournalSum: check.JournalSum,
			Delta:      check.OnHand - check.JournalSum,
		})
	}
	sort.Slice(drifted, func(i, j int) bool { return drifted[i].ProductID < drifted[j].ProductID })
	return StockVerifySummary{OK: len(drifted) == 0, Checked: result.Checked, Drifted: drifted}
}

func renderStockHuman(out io.Writer, summary StockVerifySummary) {
	_, _ = fmt.Fprintf(out, "Stock ledger audit: %d product(s) checked\n", summary.Checked)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All products match their movement journal.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d product(s) drifted:\n", len(summary.Drifted))
	for _, d := range summary.Drifted {
		_, _ = fmt.Fprintf(out, " - product %d: on hand %d, journal %d (delta %+d)\n", d.ProductID, d.OnHand, d.JournalSum, d.Delta)
	}
}
