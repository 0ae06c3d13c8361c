package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/api"
	"github.com/spigell/auto-applier/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP trigger for auto-application runs",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default is server.addr from config)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	db, err := openStore(ctx, config)
	if err != nil {
		logger.Fatal("connecting to the database", zap.Error(err))
	}
	defer db.Close()

	engine, err := newEngine(ctx, config, db, logger, engineOptions{})
	if err != nil {
		logger.Fatal("preparing the engine", zap.Error(err))
	}

	// Runs stop with the server and still finalize their ledger row before the database closes.
	trigger := api.New(ctx, engine, logger)

	srv := &http.Server{
		Addr:        config.Server.Addr,
		Handler:     api.NewRouter(trigger),
		ReadTimeout: 30 * time.Second,
		// A run may take up to the configured deadline plus finalization.
		WriteTimeout: config.Run.Deadline + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		close(idleConnsClosed)
	}()

	logger.Info("trigger server listening", zap.String("addr", srv.Addr), zap.String("path", api.RunPath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serving", zap.Error(err))
	}

	<-idleConnsClosed
	trigger.Wait()
	logger.Info("trigger server stopped")
}
