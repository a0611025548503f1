// Package idempotency — распределённые блокировки задач и дедупликация сообщений.
//
// Блокировка задачи держится на ключе {prefix}lock:{jobID}:{instanceID}
// и снимается только владельцем (по токену). Отметки "сообщение
// обработано" живут в окне идемпотентности (по умолчанию 24h).
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/kv"
)

// Значения по умолчанию.
const (
	DefaultLockTTL   = 300 * time.Second
	DefaultWindow    = 24 * time.Hour
	DefaultKeyPrefix = "relay:idem:"
)

// Config — настройки Manager.
type Config struct {
	// LockTTL — срок жизни блокировки задачи.
	LockTTL time.Duration

	// Window — окно идемпотентности для отметок сообщений.
	Window time.Duration

	// KeyPrefix — префикс всех ключей.
	KeyPrefix string

	Logger *slog.Logger
}

// Lock — захваченная блокировка задачи.
type Lock struct {
	Key   string
	Token string
}

// Manager — менеджер идемпотентности поверх kv.Store.
type Manager struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
}

// New создаёт Manager.
func New(store kv.Store, cfg Config) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{store: store, cfg: cfg, logger: cfg.Logger}
}

// LockKey возвращает ключ блокировки задачи.
func (m *Manager) LockKey(jobID, instanceID string) string {
	return m.cfg.KeyPrefix + "lock:" + jobID + ":" + instanceID
}

// MessageKey возвращает ключ идемпотентности сообщения.
// Без partitionKey ключ строится только по messageID.
func MessageKey(partitionKey, messageID string) string {
	if partitionKey == "" {
		return messageID
	}
	return partitionKey + ":" + messageID
}

func (m *Manager) processedKey(messageID string) string {
	return m.cfg.KeyPrefix + "done:" + messageID
}

// TryLock пытается захватить блокировку без ожидания.
// Если блокировка занята, возвращает domain.ErrLockContention.
func (m *Manager) TryLock(ctx context.Context, jobID, instanceID string) (*Lock, error) {
	lock := &Lock{
		Key:   m.LockKey(jobID, instanceID),
		Token: uuid.NewString(),
	}

	ok, err := m.store.SetIfAbsent(ctx, lock.Key, lock.Token, m.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lock.Key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s instance %s", domain.ErrLockContention, jobID, instanceID)
	}

	m.logger.Debug("idempotency lock acquired", "key", lock.Key)
	return lock, nil
}

// ReleaseLock снимает блокировку, если она всё ещё принадлежит владельцу.
// nil-блокировка игнорируется.
func (m *Manager) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}

	released, err := m.store.DeleteIfEquals(ctx, lock.Key, lock.Token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lock.Key, err)
	}
	if !released {
		// TTL истёк, и ключ мог захватить другой воркер
		m.logger.Warn("idempotency lock lost before release", "key", lock.Key)
	}
	return nil
}

// Clear удаляет блокировку задачи безусловно.
func (m *Manager) Clear(ctx context.Context, jobID, instanceID string) error {
	if _, err := m.store.Delete(ctx, m.LockKey(jobID, instanceID)); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}

// IsDuplicate проверяет, обработано ли сообщение в окне идемпотентности.
func (m *Manager) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	ok, err := m.store.Exists(ctx, m.processedKey(messageID))
	if err != nil {
		return false, fmt.Errorf("check duplicate %s: %w", messageID, err)
	}
	return ok, nil
}

// MarkAsProcessed отмечает сообщение как обработанное.
func (m *Manager) MarkAsProcessed(ctx context.Context, messageID string) error {
	err := m.store.Set(ctx, m.processedKey(messageID), time.Now().UTC().Format(time.RFC3339), m.cfg.Window)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

// IsContention проверяет, что ошибка — занятая блокировка.
func IsContention(err error) bool {
	return errors.Is(err, domain.ErrLockContention)
}
