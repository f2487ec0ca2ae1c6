package bizguard

import (
	"context"
	"fmt"
	"sync"
)

// MembershipDirectory is the user-management side that owns tenant
// memberships and explicit permissions.
type MembershipDirectory interface {
	LoadSubject(ctx context.Context, subjectID string) (*Subject, error)
}

// MembershipWriter mutates memberships in a directory.
type MembershipWriter interface {
	SetMembership(ctx context.Context, subjectID string, m Membership) error
	RemoveMembership(ctx context.Context, subjectID, tenantID string) error
}

// MemoryDirectory is an in-memory MembershipDirectory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{subjects: make(map[string]*Subject)}
}

func (d *MemoryDirectory) Put(s *Subject) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subjects[s.ID] = cloneSubject(s)
}

func (d *MemoryDirectory) SetMembership(_ context.Context, subjectID string, m Membership) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subjects[subjectID]
	if !ok {
		s = &Subject{ID: subjectID, Type: "user"}
		d.subjects[subjectID] = s
	}
	if s.Memberships == nil {
		s.Memberships = make(map[string]Membership)
	}
	s.Memberships[m.TenantID] = m
	return nil
}

func (d *MemoryDirectory) RemoveMembership(_ context.Context, subjectID, tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.subjects[subjectID]; ok {
		delete(s.Memberships, tenantID)
	}
	return nil
}

// LoadSubject returns a snapshot; later directory changes do not affect it.
func (d *MemoryDirectory) LoadSubject(_ context.Context, subjectID string) (*Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.subjects[subjectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	return cloneSubject(s), nil
}

func cloneSubject(s *Subject) *Subject {
	dup := &Subject{ID: s.ID, Type: s.Type}
	if s.Memberships != nil {
		dup.Memberships = make(map[string]Membership, len(s.Memberships))
		for k, v := range s.Memberships {
			dup.Memberships[k] = v
		}
	}
	if s.Permissions != nil {
		dup.Permissions = make(map[string]bool, len(s.Permissions))
		for k, v := range s.Permissions {
			dup.Permissions[k] = v
		}
	}
	return dup
}
