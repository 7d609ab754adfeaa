package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/jobs"
	_ "github.com/odyssey-erp/fulfillment/testing"
)

type stubAuditor struct {
	result  jobs.StockAuditResult
	err     error
	payload jobs.StockAuditPayload
}

func (s *stubAuditor) Run(_ context.Context, payload jobs.StockAuditPayload) (jobs.StockAuditResult, error) {
	s.payload = payload
	return s.result, s.err
}

func TestVerifyCommandJSONSuccess(t *testing.T) {
	auditor := &stubAuditor{result: jobs.StockAuditResult{Checked: 4}}
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := NewStockOpsCLI(auditor).VerifyCommand(context.Background(), StockVerifyOptions{JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code)
	require.Empty(t, stderr.String())

	var summary StockVerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, 4, summary.Checked)
	require.Empty(t, summary.Drifted)
}

func TestVerifyCommandDrift(t *testing.T) {
	auditor := &stubAuditor{result: jobs.StockAuditResult{
		Checked: 3,
		Drifted: []inventory.StockCheck{
			{ProductID: 9, OnHand: 12, JournalSum: 10},
			{ProductID: 2, OnHand: 0, JournalSum: 5},
		},
	}}
	stdout := new(bytes.Buffer)
	code := NewStockOpsCLI(auditor).VerifyCommand(context.Background(), StockVerifyOptions{ProductIDs: []int64{2, 9}, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, 10, code)
	require.Equal(t, []int64{2, 9}, auditor.payload.ProductIDs)
	require.Contains(t, stdout.String(), "product 2: on hand 0, journal 5 (delta -5)")
	require.Contains(t, stdout.String(), "product 9: on hand 12, journal 10 (delta +2)")
}

func TestVerifyCommandErrors(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewStockOpsCLI(&stubAuditor{}).VerifyCommand(context.Background(), StockVerifyOptions{ProductIDs: []int64{-1}, Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "invalid product id")

	stderr.Reset()
	code = NewStockOpsCLI(&stubAuditor{err: errors.New("db down")}).VerifyCommand(context.Background(), StockVerifyOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "db down")
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskStockAudit)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskStockAudit, task.Type())

	task, err = BuildTask(jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIdempotencyCleanup, task.Type())

	_, err = BuildTask("mail:send")
	require.Error(t, err)
}
