package database

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// CheckSchemaExists 检查 postgres schema 是否存在
func CheckSchemaExists(db *gorm.DB, schemaName string) bool {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", schemaName).Scan(&count)
	return count > 0
}

// CreateSchema 创建 schema (使用双引号避免保留关键字问题)
func CreateSchema(db *gorm.DB, schemaName string) error {
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS \"%s\";", schemaName)).Error; err != nil {
		return fmt.Errorf("创建 schema %s 失败: %v", schemaName, err)
	}
	slog.Info("成功创建 schema", "schema", schemaName)
	return nil
}

// Ping 检查数据库连接
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
