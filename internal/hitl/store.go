// Package hitl holds proposed actions for operator approval.
package hitl

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pm-arb-bot/internal/strategy"
)

const (
	DefaultCapacity  = 500
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var ErrNotFound = errors.New("proposal not found")

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

type Proposal struct {
	ID        string          `json:"id"`
	CreatedMs int64           `json:"created_ts"`
	ExpiresMs int64           `json:"expires_ts"`
	Status    Status          `json:"status"`
	Action    strategy.Action `json:"action"`
	Summary   string          `json:"summary"`
	seq       uint64
}

// Store is a fixed-capacity ring of proposals with an id index. Once the
// ring is full the physically oldest slot is evicted whatever its status.
type Store struct {
	mu       sync.Mutex
	capacity int
	ring     []*Proposal
	next     int
	seq      uint64
	byID     map[string]*Proposal
	now      func() time.Time
}

func NewStore(capacity int, now func() time.Time) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		capacity: capacity,
		ring:     make([]*Proposal, 0, capacity),
		byID:     make(map[string]*Proposal, capacity),
		now:      now,
	}
}

func Summary(a strategy.Action) string {
	return fmt.Sprintf("PROPOSAL %s leg%d BUY_%s %v @%.4f r=%s",
		a.Strategy, a.Leg, a.Side, a.Shares, a.LimitPrice, a.RoundID)
}

func (s *Store) Add(a strategy.Action, ttl time.Duration) Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := s.now().UnixMilli()
	s.seq++
	p := &Proposal{
		ID:        uuid.NewString(),
		CreatedMs: created,
		ExpiresMs: created + ttl.Milliseconds(),
		Status:    StatusPending,
		Action:    a,
		Summary:   Summary(a),
		seq:       s.seq,
	}
	if len(s.ring) < s.capacity {
		s.ring = append(s.ring, p)
	} else {
		if evicted := s.ring[s.next]; evicted != nil {
			delete(s.byID, evicted.ID)
		}
		s.ring[s.next] = p
		s.next = (s.next + 1) % s.capacity
	}
	s.byID[p.ID] = p
	return *p
}

func (s *Store) Get(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// List returns the most recent proposals first. limit is clamped to
// [1, MaxListLimit]; zero means DefaultListLimit.
func (s *Store) List(limit int) []Proposal {
	limit = ClampLimit(limit)
	s.mu.Lock()
	out := make([]Proposal, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedMs != out[j].CreatedMs {
			return out[i].CreatedMs > out[j].CreatedMs
		}
		return out[i].seq > out[j].seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultListLimit
	case limit < 1:
		return 1
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// ExpireNow flips every pending proposal past its deadline to EXPIRED and
// returns their ids. Calling it again at the same instant returns nothing.
func (s *Store) ExpireNow(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now.UnixMilli()
	var expired []string
	for _, p := range s.byID {
		if p.Status == StatusPending && ts >= p.ExpiresMs {
			p.Status = StatusExpired
			expired = append(expired, p.ID)
		}
	}
	sort.Strings(expired)
	return expired
}

// Approve moves a pending proposal to APPROVED, or to EXPIRED when its
// deadline has passed. Non-pending proposals are returned unchanged.
func (s *Store) Approve(id string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if p.Status != StatusPending {
		return *p, nil
	}
	if s.now().UnixMilli() >= p.ExpiresMs {
		p.Status = StatusExpired
		return *p, nil
	}
	p.Status = StatusApproved
	return *p, nil
}

func (s *Store) Reject(id, reason string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if p.Status != StatusPending {
		return *p, nil
	}
	p.Status = StatusRejected
	if reason != "" {
		p.Summary = p.Summary + " | REJECTED: " + reason
	}
	return *p, nil
}
