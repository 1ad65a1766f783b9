package db

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/quota"
)

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(ctx context.Context, gdb *gorm.DB, log zerolog.Logger) error {
	models := append(bottle.Models(), &quota.DailyLimit{})
	if err := gdb.WithContext(ctx).AutoMigrate(models...); err != nil {
		return err
	}

	var entries int64
	if err := gdb.WithContext(ctx).Model(&bottle.QueueEntry{}).Count(&entries).Error; err != nil {
		return err
	}
	log.Debug().Int64("queue_rows", entries).Msg("schema migrated")
	return nil
}
