package earlydata

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/velabrowser/h3net/internal/telemetry"
)

const (
	// defaultPerOriginLimit bounds how many tickets are retained per
	// origin; servers commonly issue several per connection and only
	// the freshest few are worth keeping.
	defaultPerOriginLimit = 3

	// storeKey is the blob-store key the whole serialized store lives
	// under.
	storeKey = "session-tickets"

	// defaultRotateInterval is how often the background rotation task
	// prunes expired tickets and re-persists the store.
	defaultRotateInterval = time.Hour
)

// Store is the persistent session-ticket cache: an in-memory map from
// origin to its most recent tickets, mirrored to a BlobStore as one
// AEAD-sealed blob. All operations serialise through the store lock.
type Store struct {
	mu       sync.Mutex
	byOrigin map[string][]*Ticket

	perOriginLimit int

	blob   BlobStore
	sealer *sealer

	now func() time.Time

	log *telemetry.Logger
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithPerOriginLimit overrides the per-origin ticket cap.
func WithPerOriginLimit(n int) StoreOption {
	return func(s *Store) { s.perOriginLimit = n }
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore builds a ticket store sealed with the given 256-bit key. The
// key is held only in memory; if a later process loads the blob without
// it, the blob is discarded.
func NewStore(blob BlobStore, key []byte, log *telemetry.Logger, opts ...StoreOption) (*Store, error) {
	sl, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	s := &Store{
		byOrigin:       make(map[string][]*Ticket),
		perOriginLimit: defaultPerOriginLimit,
		blob:           blob,
		sealer:         sl,
		now:            time.Now,
		log:            log,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// storeRecord is the persisted plaintext: a flat list of tickets. The
// per-origin grouping is rebuilt on load.
type storeRecord struct {
	Version int       `json:"version"`
	Tickets []*Ticket `json:"tickets"`
}

// Load reads and decrypts the persisted store. Tickets failing
// integrity or sanity checks are dropped individually; the surviving
// set replaces the in-memory state. A missing blob is an empty store,
// not an error. An undecryptable blob (wrong or rotated key) is
// discarded and deleted.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.blob.Get(ctx, storeKey)
	if err == ErrBlobNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	plain, err := s.sealer.open(raw)
	if err != nil {
		s.log.Warnf("ticket store failed integrity check, discarding: %v", err)
		return s.blob.Delete(ctx, storeKey)
	}
	var rec storeRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		s.log.Warnf("ticket store is corrupt, discarding: %v", err)
		return s.blob.Delete(ctx, storeKey)
	}

	now := s.now()
	var pruneErrs *multierror.Error
	loaded := make(map[string][]*Ticket)
	for _, t := range rec.Tickets {
		if !t.Sane(now) {
			pruneErrs = multierror.Append(pruneErrs, &insaneTicketError{origin: t.Origin})
			continue
		}
		loaded[t.Origin] = append(loaded[t.Origin], t)
	}

	s.mu.Lock()
	s.byOrigin = loaded
	s.mu.Unlock()

	if pruneErrs != nil {
		s.log.Infof("ticket store loaded, %d ticket(s) pruned: %v", pruneErrs.Len(), pruneErrs)
	}
	return nil
}

type insaneTicketError struct{ origin string }

func (e *insaneTicketError) Error() string {
	return "earlydata: discarded ticket for " + e.origin + " failing sanity checks"
}

// Persist serialises, seals and writes the current store.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	rec := storeRecord{Version: 1}
	for _, ts := range s.byOrigin {
		rec.Tickets = append(rec.Tickets, ts...)
	}
	s.mu.Unlock()

	plain, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.seal(plain)
	if err != nil {
		return err
	}
	return s.blob.Put(ctx, storeKey, sealed)
}

// Add stores a freshly issued ticket, evicting the oldest for its
// origin when the per-origin cap is reached.
func (s *Store) Add(t *Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.byOrigin[t.Origin]
	ts = append(ts, t)
	if len(ts) > s.perOriginLimit {
		sort.Slice(ts, func(i, j int) bool { return ts[i].IssuedAt.Before(ts[j].IssuedAt) })
		ts = ts[len(ts)-s.perOriginLimit:]
	}
	s.byOrigin[t.Origin] = ts
}

// Select picks the best eligible ticket for origin, or nil if none
// qualifies. Locked-out, expired and retired tickets are skipped; among
// the rest the highest priority*success_rate wins. Usage bookkeeping is
// updated under the same lock as the selection.
func (s *Store) Select(origin string) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var best *Ticket
	for _, t := range s.byOrigin[origin] {
		if !t.Eligible(now) {
			continue
		}
		if best == nil || t.Score() > best.Score() {
			best = t
		}
	}
	if best != nil {
		best.MarkUsed(now)
	}
	return best
}

// Tickets returns a snapshot of the tickets held for origin.
func (s *Store) Tickets(origin string) []*Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Ticket, len(s.byOrigin[origin]))
	copy(out, s.byOrigin[origin])
	return out
}

// RecordOutcome applies an acceptance or rejection result to the given
// ticket under the store lock.
func (s *Store) RecordOutcome(t *Ticket, accepted bool, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.RecordOutcome(accepted, rtt, s.now())
}

// PruneExpired drops every expired ticket and returns how many were
// removed.
func (s *Store) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	pruned := 0
	for origin, ts := range s.byOrigin {
		kept := ts[:0]
		for _, t := range ts {
			if t.Expired(now) {
				pruned++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(s.byOrigin, origin)
		} else {
			s.byOrigin[origin] = kept
		}
	}
	return pruned
}

// Rotate runs the background maintenance loop: every interval it prunes
// expired tickets and re-persists the store, until ctx is cancelled.
// Pass interval <= 0 for the default of one hour.
func (s *Store) Rotate(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRotateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PruneExpired(); n > 0 {
				s.log.Debugf("ticket rotation pruned %d expired ticket(s)", n)
			}
			if err := s.Persist(ctx); err != nil {
				s.log.Warnf("ticket rotation persist failed: %v", err)
			}
		}
	}
}
