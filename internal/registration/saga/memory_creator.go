package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/session"
)

type ownerYear struct {
	owner string
	year  int
}

type memoryRecord struct {
	id        string
	sessionID string
}

// MemoryCreator stores one entity type in memory, unique per owner and year.
type MemoryCreator struct {
	entity  progress.EntityType
	mu      sync.Mutex
	records map[ownerYear]memoryRecord
}

// NewMemoryCreator constructs a MemoryCreator for t.
func NewMemoryCreator(t progress.EntityType) *MemoryCreator {
	return &MemoryCreator{entity: t, records: make(map[ownerYear]memoryRecord)}
}

// NewMemoryCreators returns a MemoryCreator for every entity type.
func NewMemoryCreators() Creators {
	creators := make(Creators, len(progress.Order))
	for _, t := range progress.Order {
		creators[t] = NewMemoryCreator(t)
	}
	return creators
}

// Create stores the record. Repeating a create from the same session returns
// the existing id.
func (m *MemoryCreator) Create(ctx context.Context, link Link, payload session.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := ownerYear{owner: link.OwnerID, year: link.MembershipYear}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		if rec.sessionID == link.SessionID {
			return rec.id, nil
		}
		return "", Permanent(apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("%s already exists for owner %s in %d", m.entity, link.OwnerID, link.MembershipYear)))
	}
	id := uuid.NewString()
	m.records[key] = memoryRecord{id: id, sessionID: link.SessionID}
	return id, nil
}

func (m *MemoryCreator) Exists(ctx context.Context, ownerID string, year int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[ownerYear{owner: ownerID, year: year}]
	return ok, nil
}
