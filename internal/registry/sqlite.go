package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLitePreferenceStore 将用户偏好持久化到 SQLite 单行记录。
type SQLitePreferenceStore struct {
	db *sql.DB
}

// NewSQLitePreferenceStore 创建偏好存储并初始化表结构。
func NewSQLitePreferenceStore(db *sql.DB) (*SQLitePreferenceStore, error) {
	if db == nil {
		return nil, errors.New("registry: 数据库实例不能为空")
	}

	s := &SQLitePreferenceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLitePreferenceStore) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS exchange_preference (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	selected_exchange TEXT NOT NULL,
	default_exchange TEXT NOT NULL,
	live_trading INTEGER NOT NULL DEFAULT 0,
	source_overrides TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("registry: 初始化偏好表失败: %w", err)
	}
	return nil
}

// Load 读取持久化偏好，不存在时 found 返回 false。
func (s *SQLitePreferenceStore) Load(ctx context.Context) (Preference, bool, error) {
	var (
		pref      Preference
		liveInt   int
		overrides string
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT selected_exchange, default_exchange, live_trading, source_overrides FROM exchange_preference WHERE id = 1`)
	switch err := row.Scan(&pref.Selected, &pref.Default, &liveInt, &overrides); {
	case errors.Is(err, sql.ErrNoRows):
		return Preference{}, false, nil
	case err != nil:
		return Preference{}, false, fmt.Errorf("registry: 读取偏好失败: %w", err)
	}

	pref.LiveTrading = liveInt != 0
	pref.SourceOverrides = make(map[string]string)
	if overrides != "" {
		if err := json.Unmarshal([]byte(overrides), &pref.SourceOverrides); err != nil {
			return Preference{}, false, fmt.Errorf("registry: 解析数据源覆盖失败: %w", err)
		}
	}

	return pref, true, nil
}

// Save 覆盖写入偏好记录。
func (s *SQLitePreferenceStore) Save(ctx context.Context, pref Preference) error {
	overrides, err := json.Marshal(pref.SourceOverrides)
	if err != nil {
		return fmt.Errorf("registry: 序列化数据源覆盖失败: %w", err)
	}

	liveInt := 0
	if pref.LiveTrading {
		liveInt = 1
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO exchange_preference (id, selected_exchange, default_exchange, live_trading, source_overrides, updated_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	selected_exchange = excluded.selected_exchange,
	default_exchange = excluded.default_exchange,
	live_trading = excluded.live_trading,
	source_overrides = excluded.source_overrides,
	updated_at = excluded.updated_at`,
		pref.Selected, pref.Default, liveInt, string(overrides),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("registry: 写入偏好失败: %w", err)
	}

	return nil
}
