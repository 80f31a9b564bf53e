package tracking

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchemaFS embed.FS

// SQLiteAdapter SQLite数据库适配器实现
type SQLiteAdapter struct {
	config DatabaseConfig
	db     *sql.DB
}

// NewSQLiteAdapter 创建SQLite适配器实例
func NewSQLiteAdapter(config DatabaseConfig) *SQLiteAdapter {
	setPoolDefaults(&config)
	return &SQLiteAdapter{config: config}
}

// Open 建立SQLite数据库连接
func (a *SQLiteAdapter) Open() error {
	dir := filepath.Dir(a.config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL 模式允许跟踪写入与查询并发
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", a.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(a.config.MaxOpenConns)
	db.SetMaxIdleConns(a.config.MaxIdleConns)
	db.SetConnMaxLifetime(a.config.ConnMaxLifetime)

	a.db = db
	return nil
}

// Close 关闭数据库连接
func (a *SQLiteAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// DB returns the underlying connection pool.
func (a *SQLiteAdapter) DB() *sql.DB { return a.db }

// EnsureSchema 初始化表结构
func (a *SQLiteAdapter) EnsureSchema(ctx context.Context) error {
	schema, err := sqliteSchemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping 检查数据库连接
func (a *SQLiteAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}
