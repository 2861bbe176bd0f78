package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const postgresNotifyChannelConfigUpdated = "discord_bot_config_updated"

// ErrKeyNotFound indicates a config key is absent for the scope.
var ErrKeyNotFound = errors.New("key not found")

// StoreErrorKind classifies persistence failures.
type StoreErrorKind string

const (
	StoreErrorTransient StoreErrorKind = "transient"
	StoreErrorPermanent StoreErrorKind = "permanent"
)

// StoreError wraps a persistence failure with its kind. Transient errors
// are retried with backoff; permanent errors surface to the calling
// command immediately.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (%s): %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsTransientStoreError reports whether err is a StoreError of the
// transient kind.
func IsTransientStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == StoreErrorTransient
}

// KVStore is the persistence-service boundary: get/put by (scope, key),
// with no multi-key transactional guarantee assumed.
type KVStore interface {
	Get(ctx context.Context, scopeID, key string) (string, error)
	Put(ctx context.Context, scopeID, key, value string) error
}

// ConfigEntry is a per-scope configuration key/value record.
type ConfigEntry struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	ScopeID string `json:"scope_id" gorm:"uniqueIndex:idx_scope_key;not null"`
	Key     string `json:"key" gorm:"uniqueIndex:idx_scope_key;not null"`
	Value   string `json:"value" gorm:"type:string"`
	ModelUnixTime
}

// gormKV implements KVStore against the GORM connection.
type gormKV struct {
	writeDB *database
}

func (g *gormKV) Get(ctx context.Context, scopeID, key string) (string, error) {
	var entry ConfigEntry
	err := g.writeDB.DB().WithContext(ctx).Where(
		"scope_id = ? AND key = ?", scopeID, key,
	).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrKeyNotFound
		}
		return "", classifyStoreError(err)
	}
	return entry.Value, nil
}

func (g *gormKV) Put(ctx context.Context, scopeID, key, value string) error {
	err := g.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			var entry ConfigEntry
			findErr := tx.Where(
				"scope_id = ? AND key = ?", scopeID, key,
			).First(&entry).Error
			switch {
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				return tx.Create(
					&ConfigEntry{ScopeID: scopeID, Key: key, Value: value},
				).Error
			case findErr != nil:
				return findErr
			default:
				return tx.Model(&entry).Update("value", value).Error
			}
		},
	)
	if err != nil {
		return classifyStoreError(err)
	}
	return nil
}

// classifyStoreError wraps database errors as StoreError. Context
// deadline/cancellation and driver-level connection failures are treated
// as transient; everything else is permanent.
func classifyStoreError(err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	kind := StoreErrorPermanent
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, gorm.ErrInvalidTransaction) {
		kind = StoreErrorTransient
	}
	return &StoreError{Kind: kind, Err: err}
}

type cacheEntry struct {
	value    string
	storedAt time.Time
}

// StateStore mediates per-scope configuration reads and writes against the
// persistence service, with a read-mostly cache and write-through writes.
//
// Reads are cache-first within the bounded staleness window; writes commit
// to the cache only after the store acknowledges, so a failed write never
// leaves the cache diverged.
type StateStore struct {
	kv          KVStore
	mu          sync.RWMutex
	cache       map[string]cacheEntry
	cacheTTL    time.Duration
	policy      backoffPolicy
	maxAttempts int
	logger      *slog.Logger
}

func NewStateStore(
	kv KVStore,
	config *StoreConfig,
	log *slog.Logger,
) *StateStore {
	if config == nil {
		config = DefaultConfig().Store
	}
	if log == nil {
		log = slog.Default()
	}
	return &StateStore{
		kv:       kv,
		cache:    map[string]cacheEntry{},
		cacheTTL: config.CacheTTL,
		policy: backoffPolicy{
			Initial: config.RetryInitial,
			Max:     config.RetryMax,
		},
		maxAttempts: config.MaxAttempts,
		logger:      log.With(loggerNameKey, "state_store"),
	}
}

func cacheKey(scopeID, key string) string {
	return scopeID + "\x1e" + key
}

// Read returns the value for (scope, key), serving from cache when the
// entry is within the staleness window and falling through to the store on
// a miss. ErrKeyNotFound indicates an absent key.
func (s *StateStore) Read(ctx context.Context, scopeID, key string) (string, error) {
	ck := cacheKey(scopeID, key)

	s.mu.RLock()
	entry, cached := s.cache[ck]
	s.mu.RUnlock()
	if cached && (s.cacheTTL <= 0 || time.Since(entry.storedAt) < s.cacheTTL) {
		return entry.value, nil
	}

	fetchStart := time.Now()
	value, err := s.withRetry(
		ctx, func(ctx context.Context) (string, error) {
			return s.kv.Get(ctx, scopeID, key)
		},
	)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	// a write that committed while the fetch was in flight is newer than
	// the fetched value; don't clobber it
	if current, ok := s.cache[ck]; !ok || current.storedAt.Before(fetchStart) {
		s.cache[ck] = cacheEntry{value: value, storedAt: time.Now()}
	}
	s.mu.Unlock()
	return value, nil
}

// Write persists (scope, key, value) write-through: the store must
// acknowledge before the cache is updated. On failure the cache is left
// unchanged.
func (s *StateStore) Write(ctx context.Context, scopeID, key, value string) error {
	_, err := s.withRetry(
		ctx, func(ctx context.Context) (string, error) {
			return "", s.kv.Put(ctx, scopeID, key, value)
		},
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[cacheKey(scopeID, key)] = cacheEntry{value: value, storedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// Invalidate drops cached entries for the given scope. An empty scope ID
// clears the entire cache.
func (s *StateStore) Invalidate(scopeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scopeID == "" {
		s.cache = map[string]cacheEntry{}
		return
	}
	prefix := scopeID + "\x1e"
	for k := range s.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.cache, k)
		}
	}
}

// withRetry runs op, retrying transient store failures with bounded
// exponential backoff up to the attempt ceiling. ErrKeyNotFound and
// permanent errors return immediately.
func (s *StateStore) withRetry(
	ctx context.Context,
	op func(ctx context.Context) (string, error),
) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrKeyNotFound) || !IsTransientStoreError(err) {
			return "", err
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		delay := s.policy.Delay(attempt)
		s.logger.WarnContext(
			ctx,
			"transient store error, retrying",
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"delay", delay,
			tint.Err(err),
		)
		select {
		case <-ctx.Done():
			return "", classifyStoreError(ctx.Err())
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("store retries exhausted: %w", lastErr)
}

// configNotifier invalidates the config cache when another instance
// announces an update via postgres LISTEN/NOTIFY. SQLite deployments are
// single-instance, so the bounded cache TTL alone covers them.
type configNotifier struct {
	pool   *pgxpool.Pool
	store  *StateStore
	logger *slog.Logger
}

func newConfigNotifier(
	ctx context.Context,
	dsn string,
	store *StateStore,
	log *slog.Logger,
) (*configNotifier, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("error creating pgx pool: %w", err)
	}
	return &configNotifier{
		pool:   pool,
		store:  store,
		logger: log.With(loggerNameKey, "config_notifier"),
	}, nil
}

// Listen blocks on the config-updated channel until ctx is canceled,
// invalidating the named scope's cache entries on each notification.
func (c *configNotifier) Listen(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, "listen "+postgresNotifyChannelConfigUpdated)
	if err != nil {
		return err
	}

	for {
		notification, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("error waiting for notification", tint.Err(waitErr))
			return waitErr
		}
		c.logger.Info(
			"config updated notification",
			"scope_id", notification.Payload,
		)
		c.store.Invalidate(notification.Payload)
	}
}

// Announce notifies other instances that a scope's config changed.
func (c *configNotifier) Announce(ctx context.Context, scopeID string) {
	_, err := c.pool.Exec(
		ctx,
		"select pg_notify($1, $2)",
		postgresNotifyChannelConfigUpdated,
		scopeID,
	)
	if err != nil {
		c.logger.Error("error sending config notification", tint.Err(err))
	}
}

func (c *configNotifier) Close() {
	c.pool.Close()
}
