package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"callburst/internal/dispatch"
	"callburst/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce workspace filtering.
// - Implementations should query immutable sources (call attempts, wallet ledger).

type Repository interface {
	ListAttempts(ctx context.Context, workspaceID string, from, to time.Time, target string) ([]dispatch.CallAttempt, error)
	ListWalletLedger(ctx context.Context, workspaceID string, from, to time.Time, walletID string) ([]wallet.WalletLedger, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) AttemptsSummary(ctx context.Context, req AttemptsSummaryRequest) (AttemptsSummary, error) {
	if req.WorkspaceID == "" {
		return AttemptsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return AttemptsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return AttemptsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListAttempts(ctx, req.WorkspaceID, req.Range.From, req.Range.To, req.Target)
	if err != nil {
		return AttemptsSummary{}, err
	}

	out := AttemptsSummary{WorkspaceID: req.WorkspaceID, Target: req.Target}
	for _, a := range rows {
		out.TotalAttempts++
		out.TotalDurationSeconds += a.DurationSeconds
		out.TotalCostMinor += a.CostMinor

		switch a.Status {
		case dispatch.AttemptCompleted:
			out.CompletedAttempts++
		case dispatch.AttemptSkipped:
			out.SkippedAttempts++
		case dispatch.AttemptFailed:
			out.FailedAttempts++
		}

		switch a.Reason {
		case dispatch.ReasonPoolExhausted:
			out.PoolExhausted++
		case dispatch.ReasonPlacementRejected:
			out.PlacementRejected++
		case dispatch.ReasonCallbackTimeout:
			out.CallbackTimeouts++
		case dispatch.ReasonProviderFailure:
			out.ProviderFailures++
		}
	}
	if out.CompletedAttempts > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedAttempts
	}
	if placed := out.TotalAttempts - out.SkippedAttempts; placed > 0 {
		out.ConnectionRate = float64(out.CompletedAttempts) / float64(placed)
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.WorkspaceID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	ledgers, err := s.repo.ListWalletLedger(ctx, req.WorkspaceID, req.Range.From, req.Range.To, req.WalletID)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{WorkspaceID: req.WorkspaceID, WalletID: req.WalletID, Currency: req.Currency}
	for _, l := range ledgers {
		// currency normalization: if request specified currency, filter; else populate from first row.
		if out.Currency == "" {
			out.Currency = l.Currency
		}
		if req.Currency != "" && l.Currency != req.Currency {
			continue
		}

		if l.AmountMinor > 0 {
			out.TotalCreditMinor += l.AmountMinor
		} else {
			out.TotalDebitMinor += -l.AmountMinor
		}

		// Attempt debits carry a call_attempt: external ref; everything else
		// counts as an admin adjustment.
		if strings.HasPrefix(l.ExternalRef, "call_attempt:") {
			if l.AmountMinor < 0 {
				out.UsageDebitMinor += -l.AmountMinor
			}
		} else {
			out.AdminAdjustMinor += l.AmountMinor
		}
	}
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	if out.Currency == "" {
		out.Currency = "UNKNOWN"
	}
	return out, nil
}
