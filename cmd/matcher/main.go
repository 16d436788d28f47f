package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/api"
	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/ingest"
	"github.com/uhyunpark/darkpool/pkg/p2p"
	"github.com/uhyunpark/darkpool/pkg/settlement"
	"github.com/uhyunpark/darkpool/pkg/storage"
	"github.com/uhyunpark/darkpool/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Venue ----
	opts := []darkpool.Option{darkpool.WithLogger(sugar)}

	var store *storage.PebbleStore
	if cfg.Storage.Path != "" {
		store, err = storage.NewPebbleStore(cfg.Storage.Path)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "path", cfg.Storage.Path, "err", err)
		}
		defer store.Close()
		opts = append(opts, darkpool.WithStore(store))
	} else {
		sugar.Warn("storage_disabled - resting orders are lost on restart")
	}

	if cfg.Attestation.Seed != "" {
		att, err := crypto.NewAttestor(common.FromHex(cfg.Attestation.Seed))
		if err != nil {
			sugar.Fatalw("attestor_init_failed", "err", err)
		}
		opts = append(opts, darkpool.WithAttestor(att))
		sugar.Infow("attestation_enabled", "signer_key", common.Bytes2Hex(att.PublicKey()))
	}

	venue := darkpool.NewVenue(opts...)
	restored, err := venue.Restore()
	if err != nil {
		sugar.Fatalw("restore_failed", "err", err)
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				sugar.Errorw(name+"_failed", "err", err)
				stop()
			}
		}()
	}

	// ---- Settlement (optional) ----
	if len(cfg.Settlement.Brokers) > 0 {
		ledger := settlement.NewKafkaLedger(cfg.Settlement.Brokers, cfg.Settlement.Topic)
		defer ledger.Close()
		dispatcher := settlement.NewDispatcher(ledger, cfg.Settlement.QueueSize, cfg.Settlement.Timeout, sugar)
		venue.OnPass(dispatcher.HandlePass)
		goRun("settlement", func() error { dispatcher.Run(ctx); return nil })
		sugar.Infow("settlement_enabled", "brokers", cfg.Settlement.Brokers, "topic", cfg.Settlement.Topic)
	}

	// ---- Ingestion ----
	ingestSrv := ingest.NewServer(ingest.Config{
		ListenAddr:         cfg.Ingest.ListenAddr,
		MaxFrameBytes:      cfg.Ingest.MaxFrameBytes,
		ReadTimeout:        cfg.Ingest.ReadTimeout,
		AckEnabled:         cfg.Ingest.AckEnabled,
		ApprovedScriptHash: cfg.Matching.ApprovedScriptHash,
	}, venue, sugar)
	if err := ingestSrv.Listen(); err != nil {
		sugar.Fatalw("ingest_listen_failed", "addr", cfg.Ingest.ListenAddr, "err", err)
	}
	goRun("ingest", func() error { return ingestSrv.Serve(ctx) })

	// ---- P2P (optional) ----
	if cfg.P2P.ListenAddr != "" {
		if cfg.Attestation.Seed == "" {
			sugar.Warn("p2p_without_attestation - peers will reject unsigned pass reports")
		}
		net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Submit:     ingestSrv,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer net.Close()
		venue.OnPass(net.PublishPass)
	}

	// ---- API Server (optional) ----
	if cfg.API.Addr != "" {
		var passes api.PassLister
		if store != nil {
			passes = store
		}
		apiServer := api.NewServer(venue, passes, api.Config{
			AllowedOrigins: cfg.API.AllowedOrigins,
			Randomize:      cfg.Matching.Randomize,
		}, sugar)
		venue.OnPass(apiServer.BroadcastPass)
		goRun("api", func() error {
			if err := apiServer.Start(ctx, cfg.API.Addr); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// ---- Scheduler ----
	if cfg.Matching.Interval > 0 {
		sched := darkpool.NewScheduler(venue, cfg.Matching.Interval, cfg.Matching.Randomize, util.RealClock{}, sugar)
		goRun("scheduler", func() error { sched.Run(ctx); return nil })
	}

	sugar.Infow("matcher_started",
		"ingest", ingestSrv.Addr().String(),
		"api", cfg.API.Addr,
		"restored_orders", restored,
		"interval_ms", cfg.Matching.Interval.Milliseconds(),
		"randomize", cfg.Matching.Randomize,
	)

	<-ctx.Done()
	sugar.Info("shutdown_requested")
	wg.Wait()

	st := ingestSrv.Stats()
	sugar.Infow("matcher_stopped",
		"connections", st.Connections,
		"admitted", st.Admitted,
		"rejected", st.Rejected,
		"resting", venue.Resting(),
	)
}
