package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"finova.org/internal/categorize"
	"finova.org/internal/recon"
	"finova.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var (
		dsn         = flag.String("dsn", os.Getenv("FINOVA_PG_DSN"), "PostgreSQL DSN")
		clientID    = flag.Int64("client", 0, "accounting client id to reconcile")
		weightsFile = flag.String("weights", os.Getenv("FINOVA_WEIGHTS_FILE"), "matching weights YAML (optional)")
		timeout     = flag.Duration("timeout", 2*time.Minute, "run timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or FINOVA_PG_DSN")
	}
	if *clientID <= 0 {
		log.Fatal("missing -client: accounting client id is required")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	weights := recon.DefaultWeights()
	if *weightsFile != "" {
		weights, err = recon.LoadWeights(*weightsFile)
		if err != nil {
			log.Fatalf("load weights: %v", err)
		}
	}

	var suggester categorize.Suggester
	if url := os.Getenv("FINOVA_SUGGESTER_URL"); url != "" {
		suggester = categorize.NewRemoteSuggester(url)
	}

	engine := recon.NewEngine(store, store, suggester, weights)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := engine.GenerateSuggestions(ctx, *clientID); err != nil {
		log.Fatalf("generate suggestions for client %d: %v", *clientID, err)
	}

	pending, err := engine.ListPendingSuggestions(ctx, *clientID)
	if err != nil {
		log.Fatalf("list suggestions: %v", err)
	}

	fmt.Printf("client %d: %d pending suggestions\n", *clientID, len(pending))
	for _, s := range pending {
		if s.HasDocument() {
			fmt.Printf("  %s  txn=%s doc=%d confidence=%.2f %v\n",
				s.ID, s.BankTransactionID, *s.DocumentID, s.Confidence, s.Criteria)
			continue
		}
		fmt.Printf("  %s  txn=%s account=%s confidence=%.2f\n",
			s.ID, s.BankTransactionID, s.AccountCode, s.Confidence)
	}
}
