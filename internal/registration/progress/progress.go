// Package progress tracks per-entity creation state for a registration.
//
// Every function here is a pure transformation: it takes a Progress value and
// returns a new one without mutating its input.
package progress

import (
	"slices"
	"time"
)

// EntityType is one of the dependent records a registration produces.
type EntityType string

const (
	Category    EntityType = "category"
	Employment  EntityType = "employment"
	Practices   EntityType = "practices"
	Preferences EntityType = "preferences"
	Settings    EntityType = "settings"
	Insurance   EntityType = "insurance"
)

// Order is the fixed creation order. Category comes first because later
// entities may reference the id it produces.
var Order = []EntityType{Category, Employment, Practices, Preferences, Settings, Insurance}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return rank(t) >= 0
}

func rank(t EntityType) int {
	return slices.Index(Order, t)
}

// EntityStatus is the creation status of a single entity.
type EntityStatus string

const (
	StatusPending   EntityStatus = "pending"
	StatusCreating  EntityStatus = "creating"
	StatusCompleted EntityStatus = "completed"
	StatusFailed    EntityStatus = "failed"
)

// EntityDetail records the outcome of creating one entity.
type EntityDetail struct {
	Status        EntityStatus `json:"status"`
	EntityID      string       `json:"entityId,omitempty"`
	CreatedAt     *time.Time   `json:"createdAt,omitempty"`
	Error         string       `json:"error,omitempty"`
	RetryCount    int          `json:"retryCount"`
	LastAttemptAt *time.Time   `json:"lastAttemptAt,omitempty"`
}

// Progress is the saga cursor. Completed, Failed and Pending partition the
// entity universe and are kept in creation order.
type Progress struct {
	CurrentStep EntityType                  `json:"currentStep"`
	Percentage  int                         `json:"percentage"`
	Completed   []EntityType                `json:"completed"`
	Failed      []EntityType                `json:"failed"`
	Pending     []EntityType                `json:"pending"`
	Entities    map[EntityType]EntityDetail `json:"entities"`
}

// Initial returns a Progress with every entity in types pending. Unknown and
// duplicate types are ignored.
func Initial(types []EntityType) Progress {
	var universe []EntityType
	for _, t := range types {
		if t.Valid() && !slices.Contains(universe, t) {
			universe = append(universe, t)
		}
	}
	sortByOrder(universe)

	p := Progress{
		Completed: []EntityType{},
		Failed:    []EntityType{},
		Pending:   universe,
		Entities:  make(map[EntityType]EntityDetail, len(universe)),
	}
	if p.Pending == nil {
		p.Pending = []EntityType{}
	}
	for _, t := range universe {
		p.Entities[t] = EntityDetail{Status: StatusPending}
	}
	if len(universe) > 0 {
		p.CurrentStep = universe[0]
	}
	return p
}

// Clone returns a deep copy of p.
func (p Progress) Clone() Progress {
	cp := Progress{
		CurrentStep: p.CurrentStep,
		Percentage:  p.Percentage,
		Completed:   append([]EntityType{}, p.Completed...),
		Failed:      append([]EntityType{}, p.Failed...),
		Pending:     append([]EntityType{}, p.Pending...),
		Entities:    make(map[EntityType]EntityDetail, len(p.Entities)),
	}
	for t, d := range p.Entities {
		cp.Entities[t] = d
	}
	return cp
}

// Has reports whether t is tracked.
func (p Progress) Has(t EntityType) bool {
	_, ok := p.Entities[t]
	return ok
}

// Detail returns the detail for t.
func (p Progress) Detail(t EntityType) (EntityDetail, bool) {
	d, ok := p.Entities[t]
	return d, ok
}

// IsCompleted reports whether t has been created.
func (p Progress) IsCompleted(t EntityType) bool {
	return slices.Contains(p.Completed, t)
}

// IsFailed reports whether t is in the failed set.
func (p Progress) IsFailed(t EntityType) bool {
	return slices.Contains(p.Failed, t)
}

// WithSuccess moves t into the completed set. The retry count is preserved.
func WithSuccess(p Progress, t EntityType, entityID string, now time.Time) Progress {
	if !p.Has(t) || p.IsCompleted(t) {
		return p
	}
	next := p.Clone()
	next.Pending = remove(next.Pending, t)
	next.Failed = remove(next.Failed, t)
	next.Completed = insert(next.Completed, t)

	createdAt := now
	d := next.Entities[t]
	d.Status = StatusCompleted
	d.EntityID = entityID
	d.CreatedAt = &createdAt
	d.Error = ""
	next.Entities[t] = d

	next.Percentage = percentage(next)
	if n, ok := NextEntity(next); ok {
		next.CurrentStep = n
	}
	return next
}

// WithFailure moves t into the failed set and bumps its retry count. A
// completed entity is never moved back.
func WithFailure(p Progress, t EntityType, reason string, now time.Time) Progress {
	if !p.Has(t) || p.IsCompleted(t) {
		return p
	}
	next := p.Clone()
	next.Pending = remove(next.Pending, t)
	next.Failed = insert(next.Failed, t)

	attemptedAt := now
	d := next.Entities[t]
	d.Status = StatusFailed
	d.Error = reason
	d.RetryCount++
	d.LastAttemptAt = &attemptedAt
	next.Entities[t] = d

	next.Percentage = percentage(next)
	next.CurrentStep = t
	return next
}

// MarkCreating flags t as in flight without changing set membership.
func MarkCreating(p Progress, t EntityType) Progress {
	if !p.Has(t) || p.IsCompleted(t) {
		return p
	}
	next := p.Clone()
	d := next.Entities[t]
	d.Status = StatusCreating
	next.Entities[t] = d
	next.CurrentStep = t
	return next
}

// NextEntity returns the first pending entity.
func NextEntity(p Progress) (EntityType, bool) {
	if len(p.Pending) == 0 {
		return "", false
	}
	return p.Pending[0], true
}

// RetryableFailures returns the failed entities whose retry count is still
// below maxRetries, in creation order.
func RetryableFailures(p Progress, maxRetries int) []EntityType {
	var out []EntityType
	for _, t := range p.Failed {
		if p.Entities[t].RetryCount < maxRetries {
			out = append(out, t)
		}
	}
	return out
}

// AllRequiredCompleted reports whether every type in required is completed.
func AllRequiredCompleted(p Progress, required []EntityType) bool {
	for _, t := range required {
		if !p.IsCompleted(t) {
			return false
		}
	}
	return true
}

// AnyRequiredFailed reports whether any type in required is in the failed set.
func AnyRequiredFailed(p Progress, required []EntityType) bool {
	for _, t := range required {
		if p.IsFailed(t) {
			return true
		}
	}
	return false
}

func percentage(p Progress) int {
	total := len(p.Completed) + len(p.Failed) + len(p.Pending)
	if total == 0 {
		return 0
	}
	return (200*len(p.Completed) + total) / (2 * total)
}

func remove(list []EntityType, t EntityType) []EntityType {
	return slices.DeleteFunc(list, func(v EntityType) bool { return v == t })
}

func insert(list []EntityType, t EntityType) []EntityType {
	if slices.Contains(list, t) {
		return list
	}
	list = append(list, t)
	sortByOrder(list)
	return list
}

func sortByOrder(list []EntityType) {
	slices.SortFunc(list, func(a, b EntityType) int { return rank(a) - rank(b) })
}
