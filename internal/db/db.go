package db

import (
	"strings"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// sqlitePragmas 与 WAL 模式配合，写锁冲突时等待而不是立即返回 SQLITE_BUSY。
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// IsSQLite 判断 DSN 是否指向 SQLite（形如 sqlite:chat.db 或 sqlite::memory:）。
func IsSQLite(dsn string) bool {
	return strings.HasPrefix(dsn, sqlitePrefix)
}

func dialector(dsn string) gorm.Dialector {
	if !IsSQLite(dsn) {
		return postgres.Open(dsn)
	}
	path := strings.TrimPrefix(dsn, sqlitePrefix)
	if path != ":memory:" && !strings.Contains(path, "?") {
		path += "?" + sqlitePragmas
	}
	return sqlite.Open(path)
}

// Connect 负责建立数据库连接，并带有简单的重试来等待容器就绪。
// SQLite 只保留一个连接：内存库在连接关闭后即丢失，单写者也避免了锁冲突。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	attempts := 10
	if IsSQLite(dsn) {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(dialector(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if IsSQLite(dsn) {
					sqlDB.SetMaxOpenConns(1)
					sqlDB.SetMaxIdleConns(1)
					sqlDB.SetConnMaxLifetime(0)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
				}
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Identity{}, &models.Room{}, &models.Message{}, &models.Ban{}, &models.Upload{})
}

// Close 释放底层连接池。
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
