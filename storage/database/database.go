// Package database 定义数据库访问的最小抽象
//
// Outbox、Inbox、Saga 实例存储等 SQL 仓储依赖此抽象而非具体驱动，
// 便于在测试中替换实现。
package database

import (
	"context"
	"database/sql"
)

// IExecutor 查询/执行的公共能力，由 IDatabase 与 ITransaction 共同实现
//
// 事务内与事务外的仓储代码可以共用同一套 SQL。
type IExecutor interface {
	Query(ctx context.Context, query string, args ...interface{}) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) IRow
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// IDatabase 数据库接口
type IDatabase interface {
	IExecutor

	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	Ping(ctx context.Context) error
	Close() error

	// Raw 返回底层驱动对象（仅特殊场景使用）
	Raw() interface{}
}

// ITransaction 事务接口
type ITransaction interface {
	IExecutor

	Commit() error
	Rollback() error
}

// IRows 多行结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
	Columns() ([]string, error)
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...interface{}) error
	Err() error
}

// DBConfig 数据库配置
type DBConfig struct {
	// Driver 驱动名，调用方必须确保已通过空导入注册
	// （例如 `_ "modernc.org/sqlite"`）
	Driver string `json:"driver"`

	// Database DSN（sqlite 场景下为文件路径或 ":memory:"）
	Database string `json:"database"`

	// 连接池配置（可选，零值表示使用驱动默认值）
	MaxOpenConns    int `json:"max_open_conns"`
	MaxIdleConns    int `json:"max_idle_conns"`
	ConnMaxLifetime int `json:"conn_max_lifetime"`  // 秒
	ConnMaxIdleTime int `json:"conn_max_idle_time"` // 秒
}
