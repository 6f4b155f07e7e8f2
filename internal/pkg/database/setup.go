package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/FoxChat/app/models"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var db *gorm.DB

// SetupDatabase connects to MySQL, retrying while the server comes up, and
// migrates the billing tables.
func SetupDatabase(cfg config.DBConfig) (*gorm.DB, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err == nil {
			if err = Migrate(db); err != nil {
				return nil, err
			}
			log.Infof("[Database] connected to %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
			return db, nil
		}

		log.Warnf("[Database] failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("connect database: %w", err)
}

// Migrate creates or updates the billing tables. The SQL files under
// migrations/ are the source of truth in production; this keeps dev and
// test databases in line.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&models.Subscription{}, &models.BillingWebhookEvent{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func GetDB() *gorm.DB {
	return db
}
