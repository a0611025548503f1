// Package kv — хранилище ключ-значение с TTL.
//
// Используется идемпотентными блокировками и отложенными задачами.
// Реализации: MemoryStore (один процесс, тесты) и RedisStore.
//
// Уведомления об истечении ключей (Expirations) доставляются
// не чаще одного раза на подписчика и без гарантии доставки:
// потребители обязаны быть идемпотентными.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound — ключ отсутствует или истёк.
var ErrNotFound = errors.New("kv: key not found")

// Store — хранилище ключ-значение с TTL.
type Store interface {
	// Get возвращает значение ключа или ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetIfAbsent записывает значение, только если ключа нет.
	// ttl <= 0 означает ключ без срока жизни.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set записывает значение безусловно.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete удаляет ключ. Возвращает true, если ключ существовал.
	// Ровно один из конкурирующих вызовов получает true.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteIfEquals удаляет ключ, только если его значение равно value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)

	// Exists проверяет наличие ключа.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire продлевает срок жизни ключа. Возвращает false, если ключа нет.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Keys возвращает живые ключи с префиксом prefix. Порядок не определён.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Expirations возвращает канал с именами истёкших ключей.
	// Канал закрывается при отмене ctx.
	Expirations(ctx context.Context) (<-chan string, error)
}
