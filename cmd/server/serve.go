package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/finlegal/accident-engine/api"
	"github.com/finlegal/accident-engine/logger"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var coefficientsFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), coefficientsFile)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("storage", "sqlite", "session storage driver (sqlite, postgres)")
	cmd.Flags().StringVar(&coefficientsFile, "coefficients", "", "JSON file with formula coefficients")

	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("storage.driver", cmd.Flags().Lookup("storage"))
	return cmd
}

func runServe(ctx context.Context, coefficientsFile string) error {
	log := logger.Named("server")

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	coeffs, err := loadCoefficients(cfg, coefficientsFile)
	if err != nil {
		return err
	}
	engine, purge, err := buildEngine(cfg, st.reference, coeffs)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Store:             st.reference,
		Slots:             st.slots,
		Engine:            engine,
		SlotPrefix:        cfg.Storage.Slot,
		OnReferenceChange: purge,
	})
	if err != nil {
		return err
	}

	refresh := api.NewRefreshScheduler(st.reference, purge, cfg.Series.RefreshInterval)
	refresh.Start()
	defer refresh.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("sessions", cfg.Storage.Driver).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
