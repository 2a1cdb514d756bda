package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "whiteboard-api",
		Short: "Collaborative whiteboard realtime backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newPurgeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("realtime.allowed_origins"), "Browser origins allowed to connect")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	boardService, err := boards.NewService(boards.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	persister, err := boards.NewPersister(boards.PersisterConfig{Saver: boardService, Logger: logger})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	realtimeHandler, err := realtime.NewHandler(realtime.HandlerConfig{
		Rooms:      rooms.NewStore(rooms.StoreConfig{SnapshotListener: persister.Enqueue, Logger: logger}),
		Groups:     realtime.NewGroups(logger),
		Identities: users.NewResolver(users.ResolverConfig{Validator: validator, Logger: logger}),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Realtime:       realtimeHandler,
		Tokens:         validator,
		Snapshots:      boardService,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.SendBuffer,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persistCtx, stopPersister := context.WithCancel(context.Background())
	persisterDone := make(chan struct{})
	go func() {
		persister.Run(persistCtx)
		close(persisterDone)
	}()
	defer func() {
		stopPersister()
		<-persisterDone
		logger.Info("snapshot persister stopped",
			zap.Int64("saved", persister.Saved()),
			zap.Int64("dropped", persister.Dropped()),
		)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newTokenCommand() *cobra.Command {
	var subject auth.SessionSubject
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires in %ds\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&subject.UserID, "user-id", "", "User identifier carried in the token")
	cmd.Flags().StringVar(&subject.Email, "email", "", "User email")
	cmd.Flags().StringVar(&subject.DisplayName, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete board snapshots that have not changed within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			retention := appConfig.SnapshotRetention
			if olderThan > 0 {
				retention = olderThan
			}
			if retention <= 0 {
				return fmt.Errorf("snapshot retention must be positive, got %s", retention)
			}

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			boardService, err := boards.NewService(boards.ServiceConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			removed, err := boardService.PurgeOlderThan(cmd.Context(), time.Now().Add(-retention))
			if err != nil {
				return err
			}
			logger.Info("board snapshots purged", zap.Int64("removed", removed), zap.Duration("retention", retention))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override snapshots.retention")
	return cmd
}
