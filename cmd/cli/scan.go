package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"deskflow/internal/config"
	"deskflow/internal/events"
	"deskflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var scanDSN string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single SLA breach scan",
	Long: `Run one pass of the SLA breach scanner against the database and exit.
Overdue pending SLA events are marked breached, and automation rules
subscribed to conversation.sla_breached fire exactly as they would
inside the server.`,
	Run: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, overrides DB_* settings when set")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := scanDSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			getenvDefault("DB_HOST", cfg.Database.Host),
			getenvDefault("DB_USER", cfg.Database.User),
			getenvDefault("DB_PASSWORD", cfg.Database.Password),
			getenvDefault("DB_NAME", cfg.Database.Name),
			getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)),
			getenvDefault("DB_SSLMODE", "disable"),
			getenvDefault("DB_TIMEZONE", "UTC"))
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	// Same wiring order as the server: SLA bookkeeping subscribes before the
	// automation engine.
	bus := events.NewBus(appLogger)
	conversationService := services.NewConversationService(db, appLogger)
	conversationService.SetEventBus(bus)
	slaService := services.NewSLAService(db, appLogger)
	slaService.RegisterEventHandlers(bus)
	automationService := services.NewAutomationService(db, appLogger)
	automationService.SetConversationService(conversationService)
	automationService.SetMaxCascadeDepth(cfg.Automation.MaxCascadeDepth)
	automationService.RegisterEventHandlers(bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := slaService.CheckBreaches(ctx); err != nil {
		logrus.Fatalf("Breach scan failed: %v", err)
	}
	logrus.Info("Breach scan completed")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
