package database

import (
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config 定義資料庫連線與連線池的配置
type Config struct {
	Driver string // "mysql" 或 "sqlite"

	Host     string // 資料庫主機地址
	Port     int    // 資料庫埠號 (預設 3306)
	User     string // 使用者名稱
	Password string // 密碼
	DBName   string // 資料庫名稱
	// Path: sqlite 檔案路徑或 DSN (例如 file:ledger?mode=memory&cache=shared)
	Path string

	// 連線池設定 (Connection Pool)
	// 參考: https://github.com/go-sql-driver/mysql#important-settings
	MaxOpenConns    int           // 最大開啟連線數
	MaxIdleConns    int           // 最大閒置連線數
	ConnMaxLifetime time.Duration // 連線最大存活時間

	// LockWaitTimeout: 等待 row lock 的上限 (innodb_lock_wait_timeout，最小 1 秒)
	LockWaitTimeout time.Duration

	// GORM 設定
	LogLevel string // Log 等級: "silent", "error", "warn", "info"

	// 連線重試
	ConnectRetries int
	RetryInterval  time.Duration
}

// DSN (Data Source Name) 產生連線字串
//
// mysql 透過 go-sql-driver 的 Config 組字串，時間一律以 UTC 存取，
// 未知參數會被 driver 當成 session 系統變數設定
func (c *Config) DSN() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	cfg := mysqldrv.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.DBName = c.DBName
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if secs := int(c.LockWaitTimeout / time.Second); secs > 0 {
		cfg.Params["innodb_lock_wait_timeout"] = strconv.Itoa(secs)
	}
	return cfg.FormatDSN()
}

// Validate 檢查必要欄位
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMySQL:
		if c.Host == "" || c.DBName == "" {
			return fmt.Errorf("mysql host and db name are required")
		}
	case DriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	return nil
}
