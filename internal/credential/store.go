package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-gateway/internal/apperr"
)

// Credentials 为一组交易所 API 凭证的明文。调用方用完后应立即 Wipe。
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Wipe 清空明文字段。
func (c *Credentials) Wipe() {
	c.APIKey = ""
	c.APISecret = ""
	c.Passphrase = ""
}

// ConnectionTester 用于在不接触交易所细节的前提下验证凭证有效性。
type ConnectionTester interface {
	TestConnection(ctx context.Context, exchangeID string, creds Credentials) error
}

// Store 负责凭证的加密落盘与按需解密。明文生命周期限定在单次操作内，
// 所有读写删除操作都会留下审计记录（绝不含密钥本身）。
type Store struct {
	db     *sql.DB
	key    []byte
	tester ConnectionTester
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore 打开凭证存储：恢复或生成存储级盐，并由主密码派生加密密钥。
func NewStore(db *sql.DB, masterPassword string, tester ConnectionTester, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("credential: 数据库实例不能为空")
	}
	if masterPassword == "" {
		return nil, errors.New("credential: 主密码不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:     db,
		tester: tester,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}

	s.key = deriveKey([]byte(masterPassword), salt)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS credential_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			exchange_id TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			valid INTEGER NOT NULL DEFAULT 0,
			validated_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS credential_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credential_audit_exchange ON credential_audit_log(exchange_id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("credential: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	var salt []byte
	row := s.db.QueryRow(`SELECT salt FROM credential_meta WHERE id = 1`)
	switch err := row.Scan(&salt); {
	case err == nil:
		return salt, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("credential: 读取盐失败: %w", err)
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`INSERT INTO credential_meta (id, salt) VALUES (1, ?)`, salt); err != nil {
		return nil, fmt.Errorf("credential: 写入盐失败: %w", err)
	}
	return salt, nil
}

// lockFor 返回指定交易所的写锁。不同交易所的操作互不阻塞。
func (s *Store) lockFor(exchangeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[exchangeID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[exchangeID] = l
	}
	return l
}

// Store 加密并落盘凭证，覆盖该交易所的既有记录。
func (s *Store) Store(ctx context.Context, exchangeID string, creds Credentials) error {
	if exchangeID == "" {
		return apperr.Validation("invalid_exchange_id", "交易所 id 不能为空")
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return apperr.Validation("incomplete_credentials", "API key 与 secret 均不能为空")
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return apperr.Encryption("凭证序列化失败").WithCause(err)
	}
	defer wipe(plaintext)

	sealed, err := seal(s.key, plaintext)
	if err != nil {
		return apperr.Encryption("凭证加密失败").WithCause(err)
	}

	lock := s.lockFor(exchangeID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO credentials (exchange_id, blob, valid, validated_at, updated_at)
VALUES (?, ?, 0, NULL, ?)
ON CONFLICT(exchange_id) DO UPDATE SET
	blob = excluded.blob,
	valid = 0,
	validated_at = NULL,
	updated_at = excluded.updated_at`,
		exchangeID, sealed, now,
	)
	if err != nil {
		return fmt.Errorf("credential: 写入凭证失败: %w", err)
	}

	s.audit(ctx, exchangeID, "store")
	return nil
}

// Retrieve 按需解密凭证。调用方负责在使用后 Wipe。
func (s *Store) Retrieve(ctx context.Context, exchangeID string) (Credentials, error) {
	var sealed []byte
	row := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE exchange_id = ?`, exchangeID)
	switch err := row.Scan(&sealed); {
	case errors.Is(err, sql.ErrNoRows):
		return Credentials{}, apperr.NotFound("credential_not_found",
			fmt.Sprintf("交易所 %s 尚未配置凭证", exchangeID))
	case err != nil:
		return Credentials{}, fmt.Errorf("credential: 读取凭证失败: %w", err)
	}

	plaintext, err := open(s.key, sealed)
	if err != nil {
		return Credentials{}, apperr.Decryption(
			fmt.Sprintf("交易所 %s 的凭证无法解密", exchangeID)).WithCause(err)
	}
	defer wipe(plaintext)

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, apperr.Decryption(
			fmt.Sprintf("交易所 %s 的凭证数据损坏", exchangeID)).WithCause(err)
	}

	s.audit(ctx, exchangeID, "retrieve")
	return creds, nil
}

// Validate 解密凭证并委托适配器做连通性校验，明文不落盘。
// 返回值表示凭证当前是否有效。
func (s *Store) Validate(ctx context.Context, exchangeID string) (bool, error) {
	if s.tester == nil {
		return false, errors.New("credential: 未配置连接校验器")
	}

	creds, err := s.Retrieve(ctx, exchangeID)
	if err != nil {
		return false, err
	}
	defer creds.Wipe()

	testErr := s.tester.TestConnection(ctx, exchangeID, creds)
	valid := testErr == nil

	if err := s.markValidation(ctx, exchangeID, valid); err != nil {
		s.logger.Warn("更新凭证校验状态失败",
			zap.String("exchange", exchangeID),
			zap.Error(err),
		)
	}
	s.audit(ctx, exchangeID, "validate")

	if testErr != nil {
		return false, testErr
	}
	return true, nil
}

func (s *Store) markValidation(ctx context.Context, exchangeID string, valid bool) error {
	validInt := 0
	if valid {
		validInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET valid = ?, validated_at = ? WHERE exchange_id = ?`,
		validInt, time.Now().UTC().Format(time.RFC3339), exchangeID,
	)
	return err
}

// IsValid 返回最近一次校验的结果，从未校验过时返回 false。
func (s *Store) IsValid(ctx context.Context, exchangeID string) (bool, error) {
	var validInt int
	row := s.db.QueryRowContext(ctx, `SELECT valid FROM credentials WHERE exchange_id = ?`, exchangeID)
	switch err := row.Scan(&validInt); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("credential: 读取校验状态失败: %w", err)
	}
	return validInt != 0, nil
}

// Delete 删除凭证，幂等：记录不存在不算错误。
func (s *Store) Delete(ctx context.Context, exchangeID string) error {
	lock := s.lockFor(exchangeID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE exchange_id = ?`, exchangeID); err != nil {
		return fmt.Errorf("credential: 删除凭证失败: %w", err)
	}

	s.audit(ctx, exchangeID, "delete")
	return nil
}

// Configured 返回是否已为指定交易所配置过凭证。
func (s *Store) Configured(ctx context.Context, exchangeID string) (bool, error) {
	var one int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE exchange_id = ?`, exchangeID)
	switch err := row.Scan(&one); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("credential: 查询凭证失败: %w", err)
	}
	return true, nil
}

func (s *Store) audit(ctx context.Context, exchangeID, operation string) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_audit_log (exchange_id, operation, occurred_at) VALUES (?, ?, ?)`,
		exchangeID, operation, now.Format(time.RFC3339),
	); err != nil {
		s.logger.Warn("写入凭证审计记录失败",
			zap.String("exchange", exchangeID),
			zap.String("operation", operation),
			zap.Error(err),
		)
	}

	s.logger.Info("凭证操作",
		zap.String("exchange", exchangeID),
		zap.String("operation", operation),
		zap.Time("at", now),
	)
}
