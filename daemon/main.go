package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/syncmesh/modsync/daemon/config"
	"github.com/syncmesh/modsync/daemon/service"
	"github.com/syncmesh/modsync/internal/apply"
	"github.com/syncmesh/modsync/internal/component"
	"github.com/syncmesh/modsync/internal/datachannel"
	"github.com/syncmesh/modsync/internal/diffsync"
	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/filecache"
	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/ratelimit"
	"github.com/syncmesh/modsync/internal/signing"
	"github.com/syncmesh/modsync/internal/transfer"
)

func main() {
	quicAddr := flag.String("quic-addr", "", "QUIC listener address (overrides config default)")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "Observability server address")
	pluginDir := flag.String("plugin-dir", "", "Root directory for FileCache/ComponentStorage (overrides config default)")
	flag.Parse()

	logger := observability.NewLogger("modsync-daemon", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "modsync-daemon"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("modsync daemon starting")

	cfg := config.DefaultConfig()
	if *quicAddr != "" {
		cfg.QUICAddress = *quicAddr
	}
	if *pluginDir != "" {
		cfg.PluginDir = *pluginDir
		cfg.FileCacheDir = filepath.Join(*pluginDir, "FileCache")
		cfg.ComponentDir = filepath.Join(*pluginDir, "ComponentStorage")
		cfg.ComponentCacheDir = filepath.Join(*pluginDir, "ComponentCache")
	}

	log.Printf("QUIC address: %s", cfg.QUICAddress)
	log.Printf("Plugin dir: %s", cfg.PluginDir)
	log.Printf("Channel count: %d", cfg.ChannelCount)

	if err := os.MkdirAll(cfg.PluginDir, 0o755); err != nil {
		logger.Fatal(err, "failed to create plugin directory")
	}

	fileCache, err := filecache.New(cfg.FileCacheDir)
	if err != nil {
		logger.Fatal(err, "failed to open file cache")
	}
	logger.Info("file cache opened at " + cfg.FileCacheDir)

	componentStore, err := component.New(cfg.ComponentDir)
	if err != nil {
		logger.Fatal(err, "failed to open component store")
	}
	logger.Info("component store opened at " + cfg.ComponentDir)

	diffStore, err := diffsync.OpenStore(filepath.Join(cfg.PluginDir, "diffsync.db"))
	if err != nil {
		logger.Fatal(err, "failed to open diffsync store")
	}
	defer diffStore.Close()

	persistentStore, err := transfer.OpenPersistentStore(filepath.Join(cfg.PluginDir, "transfers.db"))
	if err != nil {
		logger.Fatal(err, "failed to open transfer persistence store")
	}
	defer persistentStore.Close()

	sessionStore := transfer.NewStore()

	identity, err := signing.NewIdentity()
	if err != nil {
		logger.Fatal(err, "failed to generate signing identity")
	}
	logger.Info("signing identity fingerprint: " + identity.Fingerprint())

	sink := service.NewLoggingAppearanceSink(logger)
	applyService := apply.NewService(sink, componentStore, logger)

	eventPublisher := service.NewEventPublisher(cfg.EventBufferSize)
	log.Printf("event publisher initialized (buffer size: %d)", cfg.EventBufferSize)

	healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.QUICAddress))
	healthChecker.RegisterCheck("file_cache", observability.FileCacheCheck(func() bool {
		_, statErr := os.Stat(cfg.FileCacheDir)
		return statErr == nil
	}))
	healthChecker.RegisterCheck("component_store", observability.ComponentStoreCheck(componentStore != nil))
	healthChecker.RegisterCheck("database", observability.DatabaseCheck(filepath.Join(cfg.PluginDir, "transfers.db")))

	certPEM, keyPEM, err := datachannel.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	tlsConfig, err := datachannel.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}

	listener, err := datachannel.Listen(cfg.QUICAddress, tlsConfig, cfg.ChannelCount)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()
	logger.Info("QUIC listener started on " + cfg.QUICAddress)

	go startObservabilityServer(*observAddr, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptLimiter := ratelimit.NewTokenBucket(50, 100)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !acceptLimiter.Allow(1) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			channel, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(err, "failed to accept data channel")
				metrics.RecordQUICConnection(false)
				continue
			}
			metrics.RecordQUICConnection(true)
			logger.Info("accepted data channel with negotiated sub-channels")

			go handleConnection(ctx, channel, componentStore, applyService, diffStore, sessionStore, persistentStore, eventPublisher, metrics, logger, cfg)
		}
	}()

	logger.Info("modsync daemon running")
	logger.Info("press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()

	cleaned := sessionStore.SweepStale(cfg.StaleSessionAge)
	log.Printf("cleaned up %d stale transfer sessions", cleaned)

	removed := fileCache.Cleanup(cfg.FileCacheMaxAge)
	log.Printf("cleaned up %d stale file cache entries", removed)

	logger.Info("daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// handleConnection wires one negotiated DataChannel into the protocol
// dispatcher: sub-channel 0 carries control-plane traffic (requests,
// responses, component/apply/member-list messages, manifest
// announcements); the remaining sub-channels carry progressive FCHK
// chunks for whatever receive sessions the verified manifest
// registered, persisted through sessionStore/persistentStore so a
// reconnect resumes instead of restarting (spec.md §4.9, §6).
func handleConnection(
	ctx context.Context,
	channel *datachannel.QUICDataChannel,
	componentStore *component.Store,
	applyService *apply.Service,
	diffStore *diffsync.Store,
	sessionStore *transfer.Store,
	persistentStore *transfer.PersistentStore,
	eventPublisher *service.EventPublisher,
	metrics *observability.Metrics,
	logger *observability.Logger,
	cfg *config.Config,
) {
	defer channel.Close()

	const controlChannel = 0

	d := dispatcher.New(&service.ChannelSender{
		Send_:      channel.Send,
		ChannelIdx: controlChannel,
	}, logger)
	service.RegisterHandlers(d, componentStore, applyService, eventPublisher, metrics, logger)
	service.RegisterTransferHandlers(d, diffStore, cfg.ChannelCount, cfg.PerChannelBudgetMB, cfg.AvailableMemoryMB, logger)

	bulk := service.NewBulkReceiver(sessionStore, persistentStore, cfg.BulkChunkSizeBinary, logger)
	service.RegisterManifestHandler(d, bulk, logger)

	control := service.NewControlPlane(d, logger)

	channel.OnReceive(func(channelIdx int, data []byte) {
		if channelIdx != controlChannel {
			reconstructed, sess, err := bulk.HandleChunk(data)
			if err != nil {
				logger.Error(err, "failed to process bulk chunk")
				return
			}
			if reconstructed != nil {
				logger.Info(fmt.Sprintf("completed receiving %s (%d bytes)", sess.FileName, len(reconstructed)))
				if eventPublisher != nil {
					eventPublisher.PublishCompleted(sess.FileHash, 0, 0)
				}
			}
			return
		}
		control.HandleInbound(ctx, data)
	})

	<-ctx.Done()
}
