// Package pending holds bulk actions between preview and confirmation.
//
// A caller previews a batch, receives an opaque token, and later confirms by
// presenting that token. Records live in a bbolt file; the token is the record
// id sealed with the daemon's age keyring, so a forged or foreign token never
// resolves to a record. Tokens are one-shot and expire.
package pending

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/vclsched/vclsched/internal/metrics"
	"github.com/vclsched/vclsched/internal/secrets"
)

const DefaultTTL = 15 * time.Minute

var bucketOperations = []byte("operations")

var (
	ErrTokenInvalid  = errors.New("pending token invalid")
	ErrTokenNotFound = errors.New("pending token not found")
	ErrTokenExpired  = errors.New("pending token expired")
	ErrTokenActor    = errors.New("pending token belongs to another actor")
)

// Record is a stored pending operation.
type Record struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store persists pending operations.
type Store struct {
	db      *bolt.DB
	keyring *secrets.Keyring
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open opens (or creates) the bbolt file at path.
func Open(path string, keyring *secrets.Keyring) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pending db path is required")
	}
	if keyring == nil {
		return nil, errors.New("pending keyring is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pending db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOperations); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketOperations, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, keyring: keyring, logger: zerolog.Nop(), now: time.Now}, nil
}

// WithLogger sets the store logger.
func (s *Store) WithLogger(logger zerolog.Logger) *Store {
	if s == nil {
		return s
	}
	s.logger = logger
	return s
}

// WithMetrics wires optional Prometheus metrics.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	if s == nil {
		return s
	}
	s.metrics = m
	return s
}

// WithClock overrides the store clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if s == nil || now == nil {
		return s
	}
	s.now = now
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores payload for actor and returns the token that confirms it.
func (s *Store) Put(ctx context.Context, actor string, payload []byte, ttl time.Duration) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("pending store is nil")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", errors.New("actor is required")
	}
	if !json.Valid(payload) {
		return "", errors.New("pending payload must be valid json")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		Actor:     actor,
		Payload:   json.RawMessage(payload),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal pending record: %w", err)
	}
	sealed, err := s.keyring.Seal([]byte(rec.ID))
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("store pending record: %w", err)
	}
	s.metrics.IncPendingOperation("created")
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Take resolves token for actor and removes the record. A token presented by
// another actor is refused and left in place; an expired token is removed.
func (s *Store) Take(ctx context.Context, actor, token string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, errors.New("pending store is nil")
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	id, err := s.openToken(token)
	if err != nil {
		s.metrics.IncPendingOperation("invalid")
		return Record{}, err
	}
	var rec Record
	var result string
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(id))
		if data == nil {
			result = "missing"
			return ErrTokenNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode pending record %s: %w", id, err)
		}
		if rec.Actor != strings.TrimSpace(actor) {
			result = "denied"
			return ErrTokenActor
		}
		if !s.now().Before(rec.ExpiresAt) {
			result = "expired"
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			return nil
		}
		result = "taken"
		return b.Delete([]byte(id))
	})
	s.metrics.IncPendingOperation(result)
	if err != nil {
		return Record{}, err
	}
	if result == "expired" {
		return Record{}, ErrTokenExpired
	}
	return rec, nil
}

// Sweep deletes every expired record and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("pending store is nil")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// Unreadable records can never be confirmed.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if !now.Before(rec.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep pending records: %w", err)
	}
	return removed, nil
}

// Count returns the number of stored records, expired or not.
func (s *Store) Count() (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("pending store is nil")
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOperations).Stats().KeyN
		return nil
	})
	return n, err
}

// StartSweep runs Sweep on an interval until ctx is done.
func (s *Store) StartSweep(ctx context.Context, interval time.Duration) {
	if s == nil || s.db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("pending sweep failed")
					continue
				}
				if removed > 0 {
					s.logger.Info().Int("removed", removed).Msg("expired pending operations removed")
				}
			}
		}
	}()
}

func (s *Store) openToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	id, err := s.keyring.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if _, err := uuid.ParseBytes(id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return string(id), nil
}
