// Command verifychain walks the event log's hash chain from genesis and
// exits non-zero at the first corrupted link. Run it after restores and
// before audits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
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

	events := eventlog.New(clock.RealClock{}, logger.Named("eventlog"), db, nil)
	seq, err := events.VerifyChain(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event chain corrupt at sequence %d: %v\n", seq, err)
		os.Exit(1)
	}
	fmt.Println("event chain verification passed")
}
