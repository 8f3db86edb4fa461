package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/application/metric"
	"github.com/qrave1/voicelink/internal/application/pionlog"
	"github.com/qrave1/voicelink/internal/infra/adapters/memory"
	"github.com/qrave1/voicelink/internal/infra/adapters/postgres"
	"github.com/qrave1/voicelink/internal/infra/adapters/postgres/repository"
	"github.com/qrave1/voicelink/internal/infra/ports/http/handlers"
	"github.com/qrave1/voicelink/internal/infra/ports/http/server"
	"github.com/qrave1/voicelink/internal/infra/ports/turn"
	"github.com/qrave1/voicelink/internal/usecase"
)

var inMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime relay, REST API and metrics server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&inMemory, "memory", false, "keep sessions and signals in memory instead of postgres")

	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		return err
	}

	setupLogger(cfg.Debug)

	var (
		sessionRepo usecase.VoiceSessionRepository
		signalRepo  usecase.SignalRepository
	)

	if inMemory {
		slog.Warn("running with in-memory storage, state is lost on restart")

		sessionRepo = memory.NewVoiceSessionRepository()
		signalRepo = memory.NewSignalRepository()
	} else {
		dbConn, err := postgres.NewPostgres(ctx, cfg.Postgres.DSN())
		if err != nil {
			slog.Error("connect to postgres", slog.Any(constant.Error, err))
			return err
		}
		defer dbConn.Close()

		sessionRepo = repository.NewVoiceSessionRepo(dbConn)
		signalRepo = repository.NewSignalRepo(dbConn)
	}

	membersRepo := memory.NewTopicMemberRepository()

	signalingUsecase := usecase.NewSignalingUsecase(cfg.SignalTTL, membersRepo, signalRepo)
	voiceSessionUsecase := usecase.NewVoiceSessionUsecase(sessionRepo)

	iceHandler := handlers.NewIceHandler(cfg)
	realtimeHandler := handlers.NewRealtimeHandler(cfg, signalingUsecase)
	voiceSessionHandler := handlers.NewVoiceSessionHandler(voiceSessionUsecase)

	echoSrv := server.New(cfg, iceHandler, realtimeHandler, voiceSessionHandler)
	metricsSrv := metric.NewServer()

	if cfg.Turn.Enabled {
		turnSrv, err := turn.Start(cfg.Turn, pionlog.NewFactory(slog.Default()))
		if err != nil {
			slog.Error("start turn server", slog.Any(constant.Error, err))
			return err
		}
		defer turnSrv.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Запускаем HTTP сервер
	g.Go(func() error {
		slog.Info("HTTP server starting", slog.String("port", cfg.Port))

		if err := echoSrv.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", slog.Any(constant.Error, err))
			return err
		}

		return nil
	})

	// Запускаем сервер метрик
	g.Go(func() error {
		if err := metricsSrv.Start(":" + cfg.MetricPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", slog.Any(constant.Error, err))
			return err
		}

		return nil
	})

	g.Go(func() error {
		pruneSignals(gctx, signalingUsecase, cfg.SignalPruneInterval)
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("Shutting down servers")

		timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()

		if err := echoSrv.Shutdown(timeoutCtx); err != nil {
			slog.Error("Failed to gracefully shutdown HTTP server", slog.Any(constant.Error, err))
		}

		if err := metricsSrv.Shutdown(timeoutCtx); err != nil {
			slog.Error("Failed to gracefully shutdown metric server", slog.Any(constant.Error, err))
		}

		return nil
	})

	return g.Wait()
}

// pruneSignals удаляет просроченные сигналы, пока ctx жив
func pruneSignals(ctx context.Context, signalingUsecase usecase.SignalingUsecase, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := signalingUsecase.PruneExpired(ctx)
		if err != nil {
			slog.Error("prune expired signals", slog.Any(constant.Error, err))
			continue
		}

		if n > 0 {
			slog.Debug("expired signals pruned", slog.Int64(constant.Count, n))
		}
	}
}
