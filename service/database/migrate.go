/*
 * @module service/database/migrate
 * @description 数据库连接与迁移，负责打开 postgres/sqlite 连接并创建校验相关表结构
 * @architecture 数据访问层 - 迁移管理
 * @stateFlow 应用启动时打开连接 -> 确保 schema 存在 -> 自动迁移
 * @rules 确保数据库结构与模型定义保持一致；所有时间戳使用 UTC
 * @dependencies gorm.io/gorm, gorm.io/driver/postgres, gorm.io/driver/sqlite
 * @refs service/models/validation_models.go
 */

package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dq-validation-service/service/models"
)

// Options 数据库连接参数
type Options struct {
	Driver     string // postgres, sqlite
	DSN        string
	Schema     string
	SQLitePath string
}

// Open 打开数据库连接
func Open(opts Options) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch opts.Driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(opts.SQLitePath+"?_busy_timeout=5000&_journal_mode=WAL"), cfg)
		if err == nil {
			// sqlite 单写者
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	case "postgres", "":
		db, err = gorm.Open(postgres.Open(opts.DSN), cfg)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	slog.Info("数据库连接成功", "driver", db.Dialector.Name())
	return db, nil
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB, schema string) error {
	slog.Info("开始数据库迁移")

	if db.Dialector.Name() == "postgres" && schema != "" && schema != "public" {
		if !CheckSchemaExists(db, schema) {
			if err := CreateSchema(db, schema); err != nil {
				return err
			}
		}
	}

	if err := db.AutoMigrate(models.ValidationModels()...); err != nil {
		return fmt.Errorf("迁移校验表失败: %w", err)
	}

	slog.Info("数据库迁移完成")
	return nil
}
