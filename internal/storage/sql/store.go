package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/client/internal/config"
	"tempmail/client/internal/storage"
)

// KVEntry 持久层键值表
type KVEntry struct {
	Key       string     `gorm:"primaryKey;size:191"`
	Value     string     `gorm:"type:text;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName 表名
func (KVEntry) TableName() string {
	return "client_kv"
}

// Store SQL 数据库持久层（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
	now        func() time.Time
}

// NewStore 创建 SQL 持久层
//
// 参数:
//   - driverName: "mysql" 或 "postgres"
//   - cfg: 连接配置
//
// 连接建立后自动迁移键值表。
func NewStore(driverName string, cfg config.DatabaseConfig) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
		now:        time.Now,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate 执行数据库迁移（使用 GORM AutoMigrate）
func (s *Store) Migrate() error {
	return s.gormDB.AutoMigrate(&KVEntry{})
}

// Get 读取键值，已过期的条目视为不存在
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	query := fmt.Sprintf(
		"SELECT value, expires_at FROM %s WHERE %s = %s",
		KVEntry{}.TableName(), s.quote("key"), s.placeholder(1),
	)

	var (
		value     string
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if expiresAt.Valid && !expiresAt.Time.After(s.now()) {
		return "", storage.ErrNotFound
	}
	return value, nil
}

// Set 写入键值（存在则更新）
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	entry := KVEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: s.now().UTC(),
	}
	if ttl > 0 {
		at := s.now().Add(ttl).UTC()
		entry.ExpiresAt = &at
	}

	return s.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
}

// Delete 删除键
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.gormDB.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key}).
		Delete(&KVEntry{}).Error
}

// PurgeExpired 清理已过期的条目，返回删除数量
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.gormDB.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&KVEntry{})
	return result.RowsAffected, result.Error
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// placeholder 根据数据库类型返回占位符
func (s *Store) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// quote 引用列名（key 在 MySQL 中是保留字）
func (s *Store) quote(column string) string {
	if s.driverName == "postgres" {
		return `"` + column + `"`
	}
	return "`" + column + "`"
}
