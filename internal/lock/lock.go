// Package lock provides the per-account dispatch lock. At most one process
// may dispatch for an account at a time; leases expire so a crashed holder
// cannot wedge the account.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/outreach/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL bounds how long a lease survives a holder that never releases.
const DefaultTTL = 2 * time.Minute

// ErrNotHeld is returned when releasing a lease that already expired or was
// taken over.
var ErrNotHeld = errors.New("lock: lease not held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases keyed by account.
type Locker interface {
	// TryAcquire never blocks. ok is false when someone else holds the key.
	TryAcquire(ctx context.Context, key string) (lease Lease, ok bool, err error)
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker implements Locker with SET NX and a random ownership token.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker returns a Redis-backed Locker.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	k := "outreach:lock:" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: k, token: token}, true, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, r.key)
	}
	return nil
}

// DBLocker implements Locker with a lease row per account, for deployments
// without Redis.
type DBLocker struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewDBLocker returns a database-backed Locker.
func NewDBLocker(db *gorm.DB, ttl time.Duration) *DBLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DBLocker{db: db, ttl: ttl, now: time.Now}
}

func (l *DBLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	now := l.now().UTC()
	db := l.db.WithContext(ctx)

	// Reclaim a lease whose holder went away.
	if err := db.Where("account_id = ? AND expires_at < ?", key, now).
		Delete(&models.DispatchLease{}).Error; err != nil {
		return nil, false, fmt.Errorf("lock: expire stale lease %s: %w", key, err)
	}

	row := models.DispatchLease{
		AccountID:  key,
		Holder:     uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return &dbLease{db: l.db, key: key, holder: row.Holder}, true, nil
}

type dbLease struct {
	db     *gorm.DB
	key    string
	holder string
}

func (d *dbLease) Release(ctx context.Context) error {
	result := d.db.WithContext(ctx).
		Where("account_id = ? AND holder = ?", d.key, d.holder).
		Delete(&models.DispatchLease{})
	if result.Error != nil {
		return fmt.Errorf("lock: release %s: %w", d.key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, d.key)
	}
	return nil
}
