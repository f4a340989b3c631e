package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite和MySQL的差异，让上层代码无需关心具体实现
type DatabaseAdapter interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error

	GetDB() *sql.DB

	// InitSchema 初始化诊断记录表结构
	InitSchema() error

	GetDatabaseType() string
}

// DatabaseConfig 统一数据库配置结构
type DatabaseConfig struct {
	Type string // "sqlite" | "mysql"

	// SQLite配置
	DatabasePath string

	// MySQL配置
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Charset  string

	// 连接池配置
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Timezone string
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(config DatabaseConfig) (DatabaseAdapter, error) {
	switch databaseType(config) {
	case "sqlite":
		return NewSQLiteAdapter(config)
	case "mysql":
		return NewMySQLAdapter(config)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

// databaseType 从配置推断数据库类型
func databaseType(config DatabaseConfig) string {
	if config.Type != "" {
		return config.Type
	}
	// 出现MySQL特有字段时推断为mysql，否则默认SQLite
	if config.Host != "" || config.Database != "" {
		return "mysql"
	}
	return "sqlite"
}

// setDefaultConfig 设置数据库配置默认值
func setDefaultConfig(config *DatabaseConfig) {
	switch config.Type {
	case "mysql":
		if config.Port == 0 {
			config.Port = 3306
		}
		if config.MaxOpenConns == 0 {
			config.MaxOpenConns = 10
		}
		if config.MaxIdleConns == 0 {
			config.MaxIdleConns = 5
		}
		if config.ConnMaxLifetime == 0 {
			config.ConnMaxLifetime = time.Hour
		}
		if config.Charset == "" {
			config.Charset = "utf8mb4"
		}
	case "sqlite", "":
		if config.DatabasePath == "" {
			config.DatabasePath = "data/relay.db"
		}
	}
	if config.Timezone == "" {
		config.Timezone = "Asia/Shanghai"
	}
}
