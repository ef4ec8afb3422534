// Command initaccounts seeds the operational accounts every payout moves
// money between. Safe to run repeatedly: existing accounts are left
// untouched.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/payout"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
	"github.com/wizardbeardstudio/open-ledger-go/internal/projector"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	clk := clock.RealClock{}
	m := metrics.New()
	events := eventlog.New(clk, logger.Named("eventlog"), db, m)
	views := projector.NewService(clk, logger.Named("projector"), db)
	ledgerSvc := ledger.NewService(clk, logger.Named("ledger"), db, events, views, m)
	views.SetEntrySource(ledgerSvc)

	seed := []struct {
		code string
		name string
		typ  ledger.AccountType
	}{
		{payout.CashAccountCode, "Operating cash", ledger.AccountAsset},
		{payout.LiabilityAccountCode, "Payout liability", ledger.AccountLiability},
	}
	for _, s := range seed {
		acct, created, err := ledgerSvc.CreateAccount(ctx, s.code, s.name, s.typ)
		if err != nil {
			logger.Fatal("seed account", zap.String("account_code", s.code), zap.Error(err))
		}
		logger.Info("account ready",
			zap.String("account_code", acct.Code),
			zap.String("account_type", string(acct.Type)),
			zap.Bool("created", created),
		)
	}
}
