package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/defunds/fund-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for funds, positions and NAV attestations. Reads check Redis first
// then fall back to the primary. Writes only happen inside Atomic; the keys
// a transaction touched are invalidated once it commits.
//
// Methods not overridden here pass straight through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Atomic runs fn against the primary and invalidates touched keys after a
// successful commit. Reads inside fn bypass the cache.
func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.Store.Atomic(ctx, func(tx Tx) error {
		rt := &recordingTx{Tx: tx}
		if err := fn(rt); err != nil {
			return err
		}
		touched = rt.keys
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		if err := s.rdb.Del(ctx, touched...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", len(touched), "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	var f model.Fund
	if s.fromCache(ctx, fundKey(id), &f) {
		return &f, nil
	}
	fp, err := s.Store.GetFund(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, fundKey(id), fp)
	return fp, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, fundID, investor string) (*model.InvestorPosition, error) {
	var p model.InvestorPosition
	if s.fromCache(ctx, positionKey(fundID, investor), &p) {
		return &p, nil
	}
	pp, err := s.Store.GetPosition(ctx, fundID, investor)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, positionKey(fundID, investor), pp)
	return pp, nil
}

func (s *CachedStore) GetNav(ctx context.Context, fundID string) (*model.NavAttestation, error) {
	var n model.NavAttestation
	if s.fromCache(ctx, navKey(fundID), &n) {
		return &n, nil
	}
	np, err := s.Store.GetNav(ctx, fundID)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, navKey(fundID), np)
	return np, nil
}

// --- Cache helpers ---

func (s *CachedStore) fromCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) toCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// recordingTx notes the cache keys a transaction writes.
type recordingTx struct {
	Tx
	keys []string
}

func (t *recordingTx) CreateFund(ctx context.Context, f *model.Fund) error {
	t.keys = append(t.keys, fundKey(f.ID))
	return t.Tx.CreateFund(ctx, f)
}

func (t *recordingTx) PutFund(ctx context.Context, f *model.Fund) error {
	t.keys = append(t.keys, fundKey(f.ID))
	return t.Tx.PutFund(ctx, f)
}

func (t *recordingTx) PutPosition(ctx context.Context, p *model.InvestorPosition) error {
	t.keys = append(t.keys, positionKey(p.FundID, p.Investor))
	return t.Tx.PutPosition(ctx, p)
}

func (t *recordingTx) PutNav(ctx context.Context, n *model.NavAttestation) error {
	t.keys = append(t.keys, navKey(n.FundID))
	return t.Tx.PutNav(ctx, n)
}

func fundKey(id string) string                  { return fmt.Sprintf("fund:%s", id) }
func positionKey(fundID, investor string) string { return fmt.Sprintf("position:%s:%s", fundID, investor) }
func navKey(fundID string) string                { return fmt.Sprintf("nav:%s", fundID) }
