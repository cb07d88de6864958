package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/handler"
	"github.com/AnTengye/securetrack/backend/metrics"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "securetrack",
		Short:         "Chain-of-custody tracking for sealed pack deliveries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.AddCommand(serveCmd(), migrateCmd(), userCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and initializes logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		slog.Warn("using the in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// newServices builds the service graph shared by serve and user create
func newServices(s store.Store, images service.ImageStore, cfg *config.Config) *handler.Services {
	audit := service.NewAuditTrail(s, nil)
	registry := service.NewTaskRegistry(s, audit, nil, cfg.Lifecycle.StartGrace())
	evidence := service.NewEvidenceStore(s, images, cfg.Lifecycle.MaxImageBytes())
	return &handler.Services{
		Registry: registry,
		Engine:   service.NewEngine(s, registry, evidence, audit, nil),
		Evidence: evidence,
		Audit:    audit,
		Auth:     service.NewAuthService(s, audit, nil),
		Health:   map[string]handler.Pinger{"store": s},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slog.Info("configuration loaded successfully", "driver", cfg.Database.Driver)
			metrics.Register()

			ctx := cmd.Context()
			s, err := openStore(ctx, &cfg.Database)
			if err != nil {
				return err
			}
			defer s.Close()

			minioSvc, err := service.NewMinioService(&cfg.Minio)
			if err != nil {
				return fmt.Errorf("failed to initialize MINIO service: %w", err)
			}
			if err := minioSvc.EnsureBucket(ctx); err != nil {
				return fmt.Errorf("failed to ensure MINIO bucket: %w", err)
			}

			svc := newServices(s, minioSvc, cfg)
			svc.Health["minio"] = minioSvc
			if err := svc.Auth.SeedUsers(ctx, cfg.Users); err != nil {
				return err
			}

			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      handler.NewRouter(cfg, svc),
				ReadTimeout:  60 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("server starting", "port", cfg.Server.Port)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return fmt.Errorf("failed to start server: %w", err)
			case <-quit:
			}
			slog.Info("shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			slog.Info("server exited gracefully")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs database.driver postgres, got %q", cfg.Database.Driver)
			}

			pg, err := store.NewPostgresStore(cmd.Context(), cfg.Database.DSN, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var in service.NewUser
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an ADMIN or DELIVERY user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("user create needs a persistent store, database.driver is %q", cfg.Database.Driver)
			}

			s, err := openStore(cmd.Context(), &cfg.Database)
			if err != nil {
				return err
			}
			defer s.Close()

			// no images are touched here
			svc := newServices(s, nil, cfg)
			user, err := svc.Auth.CreateUser(cmd.Context(), service.Actor{}, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Role, user.Phone)
			return nil
		},
	}
	create.Flags().StringVar(&in.Name, "name", "", "display name")
	create.Flags().StringVar(&in.Phone, "phone", "", "login phone number")
	create.Flags().StringVar(&in.Role, "role", "DELIVERY", "ADMIN or DELIVERY")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("phone")

	cmd.AddCommand(create)
	return cmd
}
