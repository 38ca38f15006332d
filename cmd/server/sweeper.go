package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/service"
	"marketplace-identity/internal/util"
)

// startSweepers runs the expiry and abandoned-checkout sweeps every interval
// until ctx is cancelled. A non-positive interval disables them.
func startSweepers(ctx context.Context, wg *sync.WaitGroup, ledger *service.LedgerService, interval time.Duration) {
	if interval <= 0 {
		util.Warn("Deadline sweepers disabled")
		return
	}

	run := func(name string, sweep func(context.Context) (int, error)) {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sweep(ctx)
				if err != nil {
					util.Error("Sweep failed", zap.String("sweep", name), zap.Error(err))
					continue
				}
				if n > 0 {
					util.Info("Sweep completed", zap.String("sweep", name), zap.Int("transitions", n))
				}
			}
		}
	}

	wg.Add(2)
	go run("expiry", ledger.ExpireDueSubscriptions)
	go run("checkout", ledger.CancelAbandonedCheckouts)
	util.Info("Deadline sweepers started", zap.Duration("interval", interval))
}
