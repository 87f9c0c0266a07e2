package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/fee"
)

// lateFeeApplier is satisfied by *fee.Ledger.
type lateFeeApplier interface {
	ApplyLateFees(ctx context.Context) (int, error)
}

var _ lateFeeApplier = (*fee.Ledger)(nil) // interface compliance check

// sweepLateFees applies the due late fees every interval until ctx is done.
func sweepLateFees(ctx context.Context, ledger lateFeeApplier, interval time.Duration, logger core.Logger) {
	if interval <= 0 {
		logger.Warn("fee: late fee sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.ApplyLateFees(ctx)
			if err != nil {
				logger.Error(fmt.Sprintf("fee: late fee sweep: %v", err), err)
			}
			if n > 0 {
				logger.Info(fmt.Sprintf("fee: late fee applied to %d fees", n))
			}
		}
	}
}
