package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	Type string // "sqlite" | "mysql"

	// SQLite
	Path string

	// MySQL
	Host     string
	Port     int
	Database string
	Username string
	Password string

	// 连接池
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DatabaseAdapter 数据库适配器接口
// 屏蔽 SQLite 与 MySQL 的连接和建表差异，写入路径共用。
type DatabaseAdapter interface {
	Open() error
	Close() error
	DB() *sql.DB
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

// NewDatabaseAdapter creates the adapter for the configured backend.
func NewDatabaseAdapter(config DatabaseConfig) (DatabaseAdapter, error) {
	switch config.Type {
	case "", "sqlite":
		return NewSQLiteAdapter(config), nil
	case "mysql":
		return NewMySQLAdapter(config), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

func setPoolDefaults(config *DatabaseConfig) {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = time.Hour
	}
}
