package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vetdesk/vetdesk/internal/config"
	"github.com/vetdesk/vetdesk/internal/domain/billing"
	"github.com/vetdesk/vetdesk/internal/domain/cases"
	"github.com/vetdesk/vetdesk/internal/domain/clinic"
	"github.com/vetdesk/vetdesk/internal/domain/discharge"
	"github.com/vetdesk/vetdesk/internal/domain/followup"
	"github.com/vetdesk/vetdesk/internal/domain/patient"
	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/internal/platform/blobstore"
	"github.com/vetdesk/vetdesk/internal/platform/cors"
	"github.com/vetdesk/vetdesk/internal/platform/crypto"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/dedup"
	"github.com/vetdesk/vetdesk/internal/platform/llm"
	"github.com/vetdesk/vetdesk/internal/platform/logship"
	"github.com/vetdesk/vetdesk/internal/platform/middleware"
	"github.com/vetdesk/vetdesk/internal/platform/notify"
	"github.com/vetdesk/vetdesk/internal/platform/search"
	"github.com/vetdesk/vetdesk/internal/platform/telemetry"
	"github.com/vetdesk/vetdesk/internal/platform/voice"
	"github.com/vetdesk/vetdesk/internal/webhooks"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "vetdesk-server",
		Short: "VetDesk veterinary practice API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(followupsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to the shared and clinic schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicSlug, _ := cmd.Flags().GetString("clinic")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			sharedDir := filepath.Join(cfg.MigrationsDir, "shared")
			if err := db.EnsureSharedSchema(ctx, pool, sharedDir); err != nil {
				return err
			}
			fmt.Println("shared schema up to date")

			clinicDir := filepath.Join(cfg.MigrationsDir, "clinic")
			migrator := db.NewMigrator(pool, clinicDir)

			slugs := []string{clinicSlug}
			if clinicSlug == "" {
				slugs, err = db.ListClinicSchemas(ctx, pool)
				if err != nil {
					return err
				}
			}
			for _, slug := range slugs {
				count, err := migrator.Up(ctx, db.SchemaName(slug))
				if err != nil {
					return fmt.Errorf("migrate %s: %w", slug, err)
				}
				fmt.Printf("clinic %s: applied %d migration(s)\n", slug, count)
			}
			return nil
		},
	}
	upCmd.Flags().String("clinic", "", "Migrate a single clinic slug instead of all")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status per clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicSlug, _ := cmd.Flags().GetString("clinic")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, filepath.Join(cfg.MigrationsDir, "clinic"))

			slugs := []string{clinicSlug}
			if clinicSlug == "" {
				slugs, err = db.ListClinicSchemas(ctx, pool)
				if err != nil {
					return err
				}
			}
			for _, slug := range slugs {
				statuses, err := migrator.Status(ctx, db.SchemaName(slug))
				if err != nil {
					return fmt.Errorf("status for %s: %w", slug, err)
				}
				fmt.Printf("clinic %s:\n", slug)
				for _, s := range statuses {
					state := "pending"
					appliedAt := ""
					if s.Applied {
						state = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("  %-6d %-40s %-8s %s\n", s.Version, s.Name, state, appliedAt)
				}
			}
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "", "Show a single clinic slug instead of all")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic: shared row, schema, and admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			slug, _ := cmd.Flags().GetString("slug")
			adminEmail, _ := cmd.Flags().GetString("admin-email")
			adminName, _ := cmd.Flags().GetString("admin-name")
			timezone, _ := cmd.Flags().GetString("timezone")
			if name == "" || slug == "" {
				return fmt.Errorf("--name and --slug are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.EnsureSharedSchema(ctx, pool, filepath.Join(cfg.MigrationsDir, "shared")); err != nil {
				return err
			}

			clinicDir := filepath.Join(cfg.MigrationsDir, "clinic")
			provision := func(ctx context.Context, slug string) error {
				return db.CreateClinicSchema(ctx, pool, slug, clinicDir)
			}
			svc := clinic.NewService(clinic.NewRepo(pool), provision, nil)

			cl := &clinic.Clinic{Name: name, Slug: slug, Timezone: timezone}
			if err := svc.CreateClinic(ctx, cl); err != nil {
				return err
			}
			fmt.Printf("clinic %s created (schema %s)\n", cl.Slug, db.SchemaName(cl.Slug))

			if adminEmail != "" {
				if adminName == "" {
					adminName = "Administrator"
				}
				u := &clinic.User{ClinicID: cl.ID, Email: adminEmail, Name: adminName, Role: auth.RoleAdmin}
				if err := svc.CreateUser(ctx, u); err != nil {
					return fmt.Errorf("create admin user: %w", err)
				}
				fmt.Printf("admin user %s created\n", u.Email)
			}
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic display name")
	createCmd.Flags().String("slug", "", "Clinic slug ([a-z0-9_]{3,40}), becomes the schema name")
	createCmd.Flags().String("admin-email", "", "Email for the initial admin account")
	createCmd.Flags().String("admin-name", "", "Name for the initial admin account")
	createCmd.Flags().String("timezone", "UTC", "IANA timezone for the clinic")

	cmd.AddCommand(createCmd)
	return cmd
}

func followupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followups",
		Short: "Manage follow-up calls",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher pass over all clinics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("info", true)

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			cipher, err := fieldCipher(cfg, logger)
			if err != nil {
				return err
			}

			clinicSvc := clinic.NewService(clinic.NewRepo(pool), nil, nil)
			followupSvc := followup.NewService(followup.NewRepo(pool, cipher))
			voiceClient := voice.New(voice.Config{
				BaseURL: cfg.VoiceAPIURL, APIKey: cfg.VoiceAPIKey, AgentID: cfg.VoiceAgentID,
			}, logger)

			dispatcher := followup.NewDispatcher(pool, clinicSvc, followupSvc, voiceClient, logger)
			n, err := dispatcher.DispatchDue(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("dispatched %d call(s)\n", n)
			return nil
		},
	})
	return cmd
}

func newLogger(level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out = zerolog.New(os.Stdout)
	if console {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return out.Level(lvl).With().Timestamp().Logger()
}

// fieldCipher builds the AES cipher for owner contact columns. Development
// runs without a configured key get an ephemeral one, so encrypted fields
// do not survive a restart there.
func fieldCipher(cfg *config.Config, logger zerolog.Logger) (*crypto.FieldCipher, error) {
	if cfg.FieldEncryptionKey != "" {
		return crypto.NewFromHex(cfg.FieldEncryptionKey)
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("FIELD_ENCRYPTION_KEY is required in production")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ephemeral field key: %w", err)
	}
	logger.Warn().Msg("FIELD_ENCRYPTION_KEY not set; using an ephemeral key (encrypted fields will be unreadable after restart)")
	return crypto.New(key)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logger, with the log shipper as a second sink when configured.
	var shipper *logship.Shipper
	logger := newLogger(cfg.LogLevel, cfg.IsDev())
	if cfg.LogShipURL != "" {
		shipper = logship.New(logship.Config{
			Endpoint:      cfg.LogShipURL,
			APIKey:        cfg.LogShipAPIKey,
			Source:        "vetdesk-server",
			BatchSize:     cfg.LogShipBatchSize,
			FlushInterval: time.Duration(cfg.LogShipFlushSeconds) * time.Second,
		}, logger)
		var out zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stdout, shipper)
		if cfg.IsDev() {
			out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout}, shipper)
		}
		logger = logger.Output(out)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if err := db.EnsureSharedSchema(ctx, pool, filepath.Join(cfg.MigrationsDir, "shared")); err != nil {
		return fmt.Errorf("ensure shared schema: %w", err)
	}

	// Redis backs webhook dedup; without it the in-memory fallback only
	// protects a single instance.
	var redisClient *redis.Client
	var deduper dedup.Deduper = dedup.NewMemory()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup, dedup degrades to fail-open")
		}
		deduper = dedup.NewRedis(redisClient, logger)
	}

	// Blob storage for case attachments and cached PDFs.
	var blobs blobstore.Store = blobstore.NewMemory()
	if cfg.MinioEndpoint != "" {
		m, err := blobstore.NewMinIO(blobstore.MinIOConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("connect to minio: %w", err)
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure minio bucket: %w", err)
		}
		blobs = m
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT not set; attachments use in-memory storage")
	}

	// Search: Meilisearch when configured, Postgres ILIKE fallback always.
	var meili *search.Meili
	if cfg.MeiliURL != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, logger)
	}
	searchSvc := search.NewService(meili, search.NewPostgres(pool), logger)

	cipher, err := fieldCipher(cfg, logger)
	if err != nil {
		return err
	}

	// Vendor clients.
	voiceClient := voice.New(voice.Config{
		BaseURL: cfg.VoiceAPIURL, APIKey: cfg.VoiceAPIKey, AgentID: cfg.VoiceAgentID,
	}, logger)
	llmClient := llm.New(llm.Config{
		BaseURL: cfg.LLMAPIURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel,
	}, logger)
	emailSender := notify.NewSMTP(notify.SMTPConfig{
		Host: cfg.SMTPHost, Port: cfg.SMTPPort,
		Username: cfg.SMTPUsername, Password: cfg.SMTPPassword,
		From: cfg.SMTPFrom,
	})
	slack := notify.NewSlack(cfg.SlackWebhookURL, logger)

	// Repositories and services.
	billingSvc := billing.NewService(billing.NewRepo(pool), logger)

	clinicDir := filepath.Join(cfg.MigrationsDir, "clinic")
	provision := func(ctx context.Context, slug string) error {
		return db.CreateClinicSchema(ctx, pool, slug, clinicDir)
	}
	clinicSvc := clinic.NewService(clinic.NewRepo(pool), provision, billingSvc)

	patientSvc := patient.NewService(patient.NewRepo(pool, cipher), searchSvc)
	caseSvc := cases.NewService(cases.NewRepo(pool), patientSvc, searchSvc)
	followupSvc := followup.NewService(followup.NewRepo(pool, cipher))
	dischargeRepo := discharge.NewRepo(pool)

	metrics := telemetry.NewRegistry()
	if shipper != nil {
		metrics.RegisterGauge("vetdesk_logship_shipped_batches", func() float64 { return float64(shipper.Shipped()) })
		metrics.RegisterGauge("vetdesk_logship_dropped_entries", func() float64 { return float64(shipper.Dropped()) })
	}

	orchestrator := discharge.NewOrchestrator(discharge.OrchestratorDeps{
		Repo:     dischargeRepo,
		Cases:    caseSvc,
		Patients: patientSvc,
		Clinics:  clinicSvc,
		LLM:      llmClient,
		Email:    emailSender,
		Calls:    followupSvc,
		Quota:    billingSvc,
		Slack:    slack,
		Metrics:  metrics,
		Model:    cfg.LLMModel,
	}, logger)

	dispatcher := followup.NewDispatcher(pool, clinicSvc, followupSvc, voiceClient, logger)

	// HTTP server.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = respond.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.WebhookBodyLimit))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second))
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(telemetry.Middleware(metrics))
	e.Use(cors.Middleware(cors.New(cfg.CORSOrigins)))

	// Health and metrics sit outside auth and clinic resolution.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/ready", func(c echo.Context) error {
		var failing []string
		pingCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			failing = append(failing, "database")
		}
		if redisClient != nil {
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				failing = append(failing, "redis")
			}
		}
		if len(failing) > 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable", "failing": failing,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ready", "pool": db.Stats(pool)})
	})
	e.GET("/metrics", metrics.Handler())

	// Authenticated clinic API.
	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware(cfg.DefaultClinic)
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.DevJWTSecret),
			Skipper:    auth.AuthSkipper,
		})
	}

	api := e.Group("/api/v1", authMW, db.ClinicMiddleware(pool, cfg.DefaultClinic))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.Audit(logger))

	clinic.NewHandler(clinicSvc).RegisterRoutes(api)
	patient.NewHandler(patientSvc).RegisterRoutes(api)
	cases.NewHandler(caseSvc, blobs).RegisterRoutes(api)
	discharge.NewHandler(orchestrator, dischargeRepo, caseSvc, patientSvc, clinicSvc, blobs).RegisterRoutes(api)
	followup.NewHandler(followupSvc).RegisterRoutes(api)
	billing.NewHandler(billingSvc, clinicSvc).RegisterRoutes(api)
	search.NewHandler(searchSvc).RegisterRoutes(api)

	// Vendor webhooks: signature-verified, never behind JWT.
	eventLog := webhooks.NewEventLog(pool, metrics, logger)
	wh := e.Group("/webhooks")
	wh.POST("/voice", webhooks.NewVoiceHandler(
		cfg.VoiceWebhookSecret, deduper, pool, followupSvc, slack, eventLog, logger).Handle)
	wh.POST("/email", webhooks.NewEmailHandler(
		cfg.EmailWebhookToken, deduper, pool, dischargeRepo, caseSvc, patientSvc, eventLog, logger).Handle)
	wh.POST("/stripe", webhooks.NewStripeHandler(
		cfg.StripeWebhookSecret, deduper, billingSvc, slack, eventLog, logger).Handle)

	// Background dispatcher ticker.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	if voiceClient.Configured() {
		interval := time.Duration(cfg.FollowupDispatchSecond) * time.Second
		go dispatcher.Run(dispatchCtx, interval)
		logger.Info().Dur("interval", interval).Msg("follow-up dispatcher started")
	} else {
		logger.Warn().Msg("voice vendor not configured; follow-up dispatcher disabled")
	}

	// Serve until a signal arrives, then drain.
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(":" + cfg.Port)
	}()
	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	stopDispatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	if shipper != nil {
		if err := shipper.Close(); err != nil {
			logger.Error().Err(err).Msg("close log shipper")
		}
	}
	if meili != nil {
		meili.Close()
	}
	return nil
}
