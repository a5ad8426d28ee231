package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finova.org/internal/auth"
	"finova.org/internal/categorize"
	"finova.org/internal/httpapi"
	"finova.org/internal/ledger"
	"finova.org/internal/obs"
	"finova.org/internal/recon"
	"finova.org/internal/store/pg"
	"finova.org/internal/stream"
	"finova.org/internal/work"
)

var version = "0.3.1"

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("FINOVA_COMMIT"))
	if os.Getenv("FINOVA_DEBUG") != "" {
		obs.SetDebug()
	}
	log := obs.Logger()

	var (
		ledgerSvc  ledger.Service
		reconStore recon.Store
		probe      httpapi.ReadyProbe
		opts       []httpapi.Option
	)
	if dsn := os.Getenv("FINOVA_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		defer store.Close()
		ledgerSvc = store
		reconStore = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		opts = append(opts, httpapi.WithIngest(store))
	} else {
		log.Warn("FINOVA_PG_DSN not set, using in-memory ledger")
		mem := ledger.NewInMemory()
		ledgerSvc = mem
		reconStore = recon.NewMemStore(0)
	}

	weights := recon.DefaultWeights()
	if path := os.Getenv("FINOVA_WEIGHTS_FILE"); path != "" {
		var err error
		weights, err = recon.LoadWeights(path)
		if err != nil {
			log.WithError(err).Fatal("load matching weights")
		}
	}

	var suggester categorize.Suggester
	if url := os.Getenv("FINOVA_SUGGESTER_URL"); url != "" {
		suggester = categorize.NewRemoteSuggester(url)
	}

	engine := recon.NewEngine(reconStore, ledgerSvc, suggester, weights)

	if secret := os.Getenv("FINOVA_AUTH_SECRET"); secret != "" {
		authSvc, err := auth.NewService(secret)
		if err != nil {
			log.WithError(err).Fatal("init auth")
		}
		opts = append(opts, httpapi.WithAuth(authSvc))
	} else {
		log.Warn("FINOVA_AUTH_SECRET not set, API is unauthenticated")
	}

	events := stream.New()
	queue := work.NewQueue(256)
	defer queue.Close()
	opts = append(opts, httpapi.WithStream(events), httpapi.WithQueue(queue))

	api := httpapi.New(probe, version, ledgerSvc, engine, opts...)

	addr := os.Getenv("FINOVA_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second, // SSE needs headroom
		IdleTimeout:       60 * time.Second,
	}

	log.WithField("addr", addr).WithField("version", version).Info("starting finova-ledger")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("stopped")
}
