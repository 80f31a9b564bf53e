package tracking

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlSchema mirrors schema.sql with MySQL types.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id             VARCHAR(64) PRIMARY KEY,
		model_id       VARCHAR(255) NOT NULL,
		call_shape     VARCHAR(64) NOT NULL,
		outcome        VARCHAR(32) NOT NULL DEFAULT 'pending',
		attempts       INT NOT NULL DEFAULT 0,
		failed_regions TEXT,
		duration_ms    BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_sessions_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		session_id  VARCHAR(64) NOT NULL,
		region      VARCHAR(64) NOT NULL,
		attempt     INT NOT NULL,
		result      VARCHAR(32) NOT NULL,
		error_text  TEXT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_attempts_session_id (session_id),
		INDEX idx_attempts_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config DatabaseConfig
	db     *sql.DB
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(config DatabaseConfig) *MySQLAdapter {
	setPoolDefaults(&config)
	if config.Port == 0 {
		config.Port = 3306
	}
	return &MySQLAdapter{config: config}
}

// Open 建立MySQL数据库连接
func (a *MySQLAdapter) Open() error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		a.config.Username, a.config.Password, a.config.Host, a.config.Port, a.config.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open mysql database: %w", err)
	}

	db.SetMaxOpenConns(a.config.MaxOpenConns)
	db.SetMaxIdleConns(a.config.MaxIdleConns)
	db.SetConnMaxLifetime(a.config.ConnMaxLifetime)

	a.db = db
	return nil
}

// Close 关闭数据库连接
func (a *MySQLAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// DB returns the underlying connection pool.
func (a *MySQLAdapter) DB() *sql.DB { return a.db }

// EnsureSchema 初始化表结构
func (a *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping 检查数据库连接
func (a *MySQLAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}
