package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"deskflow/internal/config"
	"deskflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		dbTZ      string
		seed      bool
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&dbTZ, "db-timezone", getenvDefault("DB_TIMEZONE", "UTC"), "database timezone")
	flagSet.BoolVar(&seed, "seed", false, "insert default policy, team, holidays and automation rule after migrating")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			dbHost, dbUser, dbPass, dbName, dbPortStr, dbSSLMode, dbTZ)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.Team{},
		&models.Tag{},
		&models.Conversation{},
		&models.SlaPolicy{},
		&models.AppliedSla{},
		&models.SlaEvent{},
		&models.Holiday{},
		&models.AutomationRule{},
		&models.RuleEvaluationLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Breach scanner scans pending deadline events ordered by deadline.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sla_events_status_deadline ON sla_events(status, deadline_at)")

	// Rule evaluation log filters from the API.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_logs_rule ON rule_evaluation_logs(rule_id, id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_logs_conversation ON rule_evaluation_logs(conversation_id, id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_logs_event_type ON rule_evaluation_logs(event_type)")

	// Enabled-rule lookup in priority order on every event.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_rules_enabled_priority ON automation_rules(enabled, priority, id)")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)")

	log.Println("Additional indexes created successfully!")

	if seed {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func seedDefaultData(db *gorm.DB) {
	var admin models.User
	if err := db.Where("email = ?", "admin@deskflow.local").First(&admin).Error; err != nil {
		admin = models.User{
			Name:  "Administrator",
			Email: "admin@deskflow.local",
		}
		db.Create(&admin)
		log.Println("Created default admin user")
	}

	var policy models.SlaPolicy
	if err := db.Where("name = ?", "standard").First(&policy).Error; err != nil {
		policy = models.SlaPolicy{
			Name:              "standard",
			Description:       "Default support tier",
			FirstResponseTime: "30m",
			NextResponseTime:  "1h",
			ResolutionTime:    "1d",
		}
		db.Create(&policy)
		log.Println("Created standard SLA policy")
	}

	var team models.Team
	if err := db.Where("name = ?", "Support").First(&team).Error; err != nil {
		team = models.Team{
			Name:        "Support",
			SlaPolicyID: &policy.ID,
			BusinessHours: `{"timezone":"UTC","schedule":[` +
				`{"day":"Monday","start":"09:00","end":"17:00"},` +
				`{"day":"Tuesday","start":"09:00","end":"17:00"},` +
				`{"day":"Wednesday","start":"09:00","end":"17:00"},` +
				`{"day":"Thursday","start":"09:00","end":"17:00"},` +
				`{"day":"Friday","start":"09:00","end":"17:00"}]}`,
		}
		db.Create(&team)
		log.Println("Created default support team")
	}

	for _, h := range []models.Holiday{
		{Name: "New Year's Day", Date: "2026-01-01", Recurring: true},
		{Name: "Christmas Day", Date: "2026-12-25", Recurring: true},
	} {
		var existing models.Holiday
		if err := db.Where("name = ?", h.Name).First(&existing).Error; err != nil {
			db.Create(&h)
			log.Printf("Created holiday %s", h.Name)
		}
	}

	var rule models.AutomationRule
	if err := db.Where("name = ?", "tag-new-conversations").First(&rule).Error; err != nil {
		rule = models.AutomationRule{
			Name:              "tag-new-conversations",
			Description:       "Tags every newly opened conversation for triage",
			Enabled:           true,
			RuleType:          models.RuleTypeConversationUpdate,
			EventSubscription: `["conversation.created"]`,
			Condition:         `{"operator":"simple","attribute":"status","comparison":"equals","value":"open"}`,
			Actions:           `[{"action_type":"add_tag","parameters":{"tag":"new"}}]`,
			Priority:          100,
		}
		db.Create(&rule)
		log.Println("Created default triage automation rule")
	}
}
