package memory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/storage"
)

// PolicyKind names a forgetting policy variant.
type PolicyKind string

const (
	PolicyAgeBased            PolicyKind = "age_based"
	PolicyImportanceThreshold PolicyKind = "importance_threshold"
	PolicyAccessFrequency     PolicyKind = "access_frequency"
	PolicyHybrid              PolicyKind = "hybrid"
	PolicyTTLExpiration       PolicyKind = "ttl_expiration"
)

// Policy selects engrams eligible for forgetting. It is a tagged variant:
// Kind picks the rule and the fields the rule reads; the rest are
// ignored. All thresholds are inclusive. A policy only chooses candidate
// ids; deletion stays with the engine so the cascade keeps the store, the
// graph and the indexes consistent.
type Policy struct {
	Kind PolicyKind

	// MaxAge selects engrams created at least this long ago (AgeBased).
	MaxAge time.Duration
	// MaxImportance selects engrams scored at or below it
	// (ImportanceThreshold, Hybrid).
	MaxImportance float64
	// MaxAccessCount selects engrams read at most this many times
	// (AccessFrequency, Hybrid).
	MaxAccessCount uint64
	// MinIdle selects engrams not read for at least this long
	// (AccessFrequency, Hybrid).
	MinIdle time.Duration
	// MaxItems caps the candidate list; 0 means no cap.
	MaxItems int
}

// AgeBased selects the oldest engrams by creation time.
func AgeBased(maxAge time.Duration, maxItems int) Policy {
	return Policy{Kind: PolicyAgeBased, MaxAge: maxAge, MaxItems: maxItems}
}

// ImportanceThreshold selects engrams scored at or below maxImportance,
// least important first.
func ImportanceThreshold(maxImportance float64, maxItems int) Policy {
	return Policy{Kind: PolicyImportanceThreshold, MaxImportance: maxImportance, MaxItems: maxItems}
}

// AccessFrequency selects engrams read at most maxAccessCount times and
// idle for at least minIdle.
func AccessFrequency(maxAccessCount uint64, minIdle time.Duration, maxItems int) Policy {
	return Policy{Kind: PolicyAccessFrequency, MaxAccessCount: maxAccessCount, MinIdle: minIdle, MaxItems: maxItems}
}

// Hybrid selects engrams meeting the importance, access and idle criteria
// at once, least important first.
func Hybrid(maxImportance float64, maxAccessCount uint64, minIdle time.Duration, maxItems int) Policy {
	return Policy{
		Kind:           PolicyHybrid,
		MaxImportance:  maxImportance,
		MaxAccessCount: maxAccessCount,
		MinIdle:        minIdle,
		MaxItems:       maxItems,
	}
}

// TTLExpiration selects engrams whose TTL window has closed, longest
// expired first.
func TTLExpiration(maxItems int) Policy {
	return Policy{Kind: PolicyTTLExpiration, MaxItems: maxItems}
}

// Validate checks the policy's parameters for the chosen kind.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyAgeBased:
		if p.MaxAge < 0 {
			return fmt.Errorf("%w: max age must not be negative, got %v", storage.ErrInvalidInput, p.MaxAge)
		}
	case PolicyImportanceThreshold:
		if err := validImportance(p.MaxImportance); err != nil {
			return err
		}
	case PolicyAccessFrequency:
		if err := validIdle(p.MinIdle); err != nil {
			return err
		}
	case PolicyHybrid:
		if err := validImportance(p.MaxImportance); err != nil {
			return err
		}
		if err := validIdle(p.MinIdle); err != nil {
			return err
		}
	case PolicyTTLExpiration:
	default:
		return fmt.Errorf("%w: unknown forgetting policy kind %q", storage.ErrInvalidInput, p.Kind)
	}
	if p.MaxItems < 0 {
		return fmt.Errorf("%w: max items must not be negative, got %d", storage.ErrInvalidInput, p.MaxItems)
	}
	return nil
}

// Candidates evaluates the policy against the live indexes at the given
// instant and returns the ids eligible for forgetting, in the variant's
// documented order.
func (p Policy) Candidates(idx *index.Indexes, now time.Time) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Kind {
	case PolicyAgeBased:
		return p.oldest(idx, now), nil
	case PolicyImportanceThreshold:
		// Access and idle criteria disabled via their inclusive maxima.
		return idx.Importance.ForgettingCandidates(p.MaxImportance, math.MaxUint64, now, p.MaxItems), nil
	case PolicyAccessFrequency:
		// Importance criterion disabled: every clamped score is <= 1.
		return idx.Importance.ForgettingCandidates(1, p.MaxAccessCount, now.Add(-p.MinIdle), p.MaxItems), nil
	case PolicyHybrid:
		return idx.Importance.ForgettingCandidates(p.MaxImportance, p.MaxAccessCount, now.Add(-p.MinIdle), p.MaxItems), nil
	case PolicyTTLExpiration:
		return p.expired(idx, now), nil
	}
	return nil, fmt.Errorf("%w: unknown forgetting policy kind %q", storage.ErrInvalidInput, p.Kind)
}

// oldest returns engrams created at or before now minus MaxAge, oldest
// first.
func (p Policy) oldest(idx *index.Indexes, now time.Time) []string {
	cutoff := now.Add(-p.MaxAge)
	ids := idx.Temporal.Between(time.Time{}, cutoff).ToSortedSlice()
	sort.Slice(ids, func(i, j int) bool {
		ti, _ := idx.Temporal.Timestamp(ids[i])
		tj, _ := idx.Temporal.Timestamp(ids[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	return capItems(ids, p.MaxItems)
}

// expired returns engrams whose TTL deadline has passed, earliest
// deadline first.
func (p Policy) expired(idx *index.Indexes, now time.Time) []string {
	ids := idx.Importance.ExpiredIDs(now).ToSortedSlice()
	sort.Slice(ids, func(i, j int) bool {
		di := ttlDeadline(idx.Importance, ids[i])
		dj := ttlDeadline(idx.Importance, ids[j])
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return ids[i] < ids[j]
	})
	return capItems(ids, p.MaxItems)
}

func ttlDeadline(imp *index.ImportanceIndex, id string) time.Time {
	last, _ := imp.LastAccessed(id)
	ttl, _ := imp.TTL(id)
	return last.Add(time.Duration(ttl) * time.Second)
}

func capItems(ids []string, max int) []string {
	if max > 0 && len(ids) > max {
		return ids[:max]
	}
	return ids
}

func validImportance(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: max importance must be in [0,1], got %v", storage.ErrInvalidInput, v)
	}
	return nil
}

func validIdle(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: min idle must not be negative, got %v", storage.ErrInvalidInput, d)
	}
	return nil
}
