package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/app"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/config"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meetup-realtime",
		Short: "Meetup real-time notification and chat client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("api-base-url", "", "Backend API base URL")
	cmd.PersistentFlags().String("access-token", "", "Backend access token (overrides env)")
	cmd.PersistentFlags().String("chat-url", "", "Chat websocket URL (derived from the API base URL when empty)")
	cmd.PersistentFlags().Int("stream-max-attempts", defaults.GetInt("stream.max_attempts"), "Consecutive stream failures before giving up")
	cmd.PersistentFlags().Int("chat-max-attempts", defaults.GetInt("chat.max_attempts"), "Consecutive chat failures before giving up")
	cmd.PersistentFlags().Bool("push-enabled", defaults.GetBool("push.enabled"), "Register this device for push notifications")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("gateway-address", defaults.GetString("gateway.address"), "Local gateway listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.access_token", "access-token")
	bindFlag(cmd, "chat.url", "chat-url")
	bindFlag(cmd, "stream.max_attempts", "stream-max-attempts")
	bindFlag(cmd, "chat.max_attempts", "chat-max-attempts")
	bindFlag(cmd, "push.enabled", "push-enabled")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "gateway.address", "gateway-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

func runClient(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	application, err := app.New(appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("shutdown failed", zap.Error(err))
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(signalCtx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.GatewayAddress,
		Handler: application.Handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", zap.String("address", appConfig.GatewayAddress))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
