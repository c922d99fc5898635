package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tonipetergugic/immusic-sub001/internal/config"
	"github.com/tonipetergugic/immusic-sub001/internal/server"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "immusic-qc",
		Short: "Technical QC pipeline for submitted music masters",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newProcessCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("ingest-root", defaults.GetString("storage.ingest_root"), "Directory of uploaded masters")
	cmd.PersistentFlags().String("catalog-root", defaults.GetString("storage.catalog_root"), "Directory of published deliverables")
	cmd.PersistentFlags().String("ffmpeg", defaults.GetString("toolchain.ffmpeg"), "ffmpeg binary")
	cmd.PersistentFlags().String("ffprobe", defaults.GetString("toolchain.ffprobe"), "ffprobe binary")
	cmd.PersistentFlags().String("temp-dir", defaults.GetString("worker.temp_dir"), "Parent directory for per-item work directories")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "storage.ingest_root", "ingest-root")
	bindFlag(cmd, "storage.catalog_root", "catalog-root")
	bindFlag(cmd, "toolchain.ffmpeg", "ffmpeg")
	bindFlag(cmd, "toolchain.ffprobe", "ffprobe")
	bindFlag(cmd, "worker.temp_dir", "temp-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newProcessCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process the oldest pending master of one user and print the outcome as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			response, err := app.orchestrator.ProcessNext(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(response)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User whose queue is processed")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue an access token for the trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAccessToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Token subject")
	return cmd
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    app.tokens,
		Processor: app.orchestrator,
		Feedback:  app.feedback,
		Payloads:  app.unlocks,
		Events:    app.events,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
