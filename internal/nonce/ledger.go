package nonce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNonceConflict indicates the slot counter stopped advancing while nonces
// it should have skipped are still in flight. This means the
// single-writer-per-key invariant was broken and the affected worker must
// stop.
var ErrNonceConflict = errors.New("nonce slot not advancing past in-flight nonces")

// SlotStore persists nonce allocation across restarts. The database implements
// it; allocation is an atomic read-and-increment of the key's slot, and a
// rewind backs the slot up to refill a gap left by an unbroadcast nonce.
type SlotStore interface {
	AllocateNonce(ctx context.Context, signingKey string) (int64, error)
	RewindNonce(ctx context.Context, signingKey string, nonce int64) error
	InFlightNonces(ctx context.Context, signingKey string) (map[int64]string, error)
}

type flight struct {
	requestID   string
	allocatedAt time.Time
}

type keySlot struct {
	mu       sync.Mutex
	inFlight map[int64]flight
}

// Ledger hands out monotonically increasing transaction nonces per signing
// key and tracks which ones are still in flight. Allocation for a single key
// is serialized; distinct keys allocate fully in parallel.
type Ledger struct {
	store  SlotStore
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string]*keySlot
}

// NewLedger creates a nonce ledger backed by the given slot store
func NewLedger(store SlotStore, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.Named("nonce"),
		keys:   make(map[string]*keySlot),
	}
}

func (l *Ledger) slot(signingKey string) *keySlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.keys[signingKey]
	if !ok {
		s = &keySlot{inFlight: make(map[int64]flight)}
		l.keys[signingKey] = s
	}
	return s
}

// Restore rebuilds the in-flight set for a signing key from durable state.
// Call once per key at startup, before any allocation.
func (l *Ledger) Restore(ctx context.Context, signingKey string) error {
	inFlight, err := l.store.InFlightNonces(ctx, signingKey)
	if err != nil {
		return fmt.Errorf("failed to load in-flight nonces for %s: %w", signingKey, err)
	}

	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for nonce, requestID := range inFlight {
		s.inFlight[nonce] = flight{requestID: requestID, allocatedAt: now}
	}

	l.logger.Info("Nonce ledger restored",
		zap.String("signing_key", signingKey),
		zap.Int("in_flight", len(inFlight)))
	return nil
}

// Allocate atomically claims the next nonce for a signing key on behalf of a
// request. The same nonce is never handed to two distinct requests; a
// replacement transaction for the same request reuses its original nonce and
// does not go through Allocate again.
//
// After a rewind the slot counter may sit below nonces that are still in
// flight. Those are never reissued: the counter walks over them until it
// reaches a free nonce. At most len(inFlight) collisions are possible per
// call since the counter strictly increases; a counter that does not advance
// is corrupt and fatal.
func (l *Ledger) Allocate(ctx context.Context, signingKey, requestID string) (int64, error) {
	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := int64(-1)
	for walked := 0; walked <= len(s.inFlight); walked++ {
		n, err := l.store.AllocateNonce(ctx, signingKey)
		if err != nil {
			return 0, err
		}
		if prev >= 0 && n <= prev {
			return 0, fmt.Errorf("%w: slot for %s returned %d after %d",
				ErrNonceConflict, signingKey, n, prev)
		}
		prev = n

		existing, held := s.inFlight[n]
		if held && existing.requestID != requestID {
			l.logger.Info("Slot counter passed an in-flight nonce, walking",
				zap.String("signing_key", signingKey),
				zap.Int64("nonce", n),
				zap.String("holder", existing.requestID))
			continue
		}

		s.inFlight[n] = flight{requestID: requestID, allocatedAt: time.Now()}
		return n, nil
	}

	return 0, fmt.Errorf("%w: slot for %s stuck below the in-flight set",
		ErrNonceConflict, signingKey)
}

// Release removes a request's nonce from the in-flight set on confirmation
// or abandonment. A nonce not held by the request is left alone: once a
// rewound nonce has been reissued, a stale release from the old holder's row
// must not evict the new one.
func (l *Ledger) Release(signingKey string, nonce int64, requestID string) {
	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.inFlight[nonce]
	if !ok || f.requestID != requestID {
		l.logger.Warn("Released nonce not held by request",
			zap.String("signing_key", signingKey),
			zap.Int64("nonce", nonce),
			zap.String("request_id", requestID))
		return
	}
	delete(s.inFlight, nonce)
}

// ReleaseUnused removes a request's nonce whose transaction never reached
// the mempool and rewinds the durable slot so the nonce is handed out again.
// Without the rewind the account sequence on chain can never cross the gap
// and every later transaction for the key sits unmineable.
func (l *Ledger) ReleaseUnused(ctx context.Context, signingKey string, nonce int64, requestID string) error {
	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.inFlight[nonce]
	if !ok || f.requestID != requestID {
		l.logger.Warn("Released nonce not held by request",
			zap.String("signing_key", signingKey),
			zap.Int64("nonce", nonce),
			zap.String("request_id", requestID))
		return nil
	}
	delete(s.inFlight, nonce)

	if err := l.store.RewindNonce(ctx, signingKey, nonce); err != nil {
		return err
	}
	l.logger.Info("Unbroadcast nonce returned to the slot",
		zap.String("signing_key", signingKey),
		zap.Int64("nonce", nonce))
	return nil
}

// Holder returns the request currently holding a nonce, if any
func (l *Ledger) Holder(signingKey string, nonce int64) (string, bool) {
	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.inFlight[nonce]
	return f.requestID, ok
}

// PeekStuck returns nonces that have sat in flight longer than olderThan,
// lowest first. These are candidates for fee-bump replacement.
func (l *Ledger) PeekStuck(signingKey string, olderThan time.Duration) []int64 {
	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var stuck []int64
	for n, f := range s.inFlight {
		if f.allocatedAt.Before(cutoff) {
			stuck = append(stuck, n)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
	return stuck
}

// InFlightCount returns the number of in-flight nonces for a signing key
func (l *Ledger) InFlightCount(signingKey string) int {
	s := l.slot(signingKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
