// Package memory is an in-memory record store used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
)

// Store implements repository.ProjectStore and repository.UserStore. A
// single mutex stands in for the row locks of the postgres store.
type Store struct {
	mu       sync.Mutex
	projects map[string]*model.Project
	users    map[string]*model.User
	events   []model.Event
	now      func() time.Time

	// FailWrites makes every mutation fail with a PersistenceError.
	FailWrites error
}

func New() *Store {
	return &Store{
		projects: map[string]*model.Project{},
		users:    map[string]*model.User{},
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Events returns every recorded event in order.
func (s *Store) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

// EventsWithKey returns the recorded events with the given routing key.
func (s *Store) EventsWithKey(routingKey string) []model.Event {
	var out []model.Event
	for _, e := range s.Events() {
		if e.RoutingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, &escrowerr.NotFoundError{Entity: "user", ID: id}
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SetWallet(_ context.Context, id string, address string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, &escrowerr.PersistenceError{Op: "set wallet", Err: s.FailWrites}
	}
	u, ok := s.users[id]
	if !ok {
		return nil, &escrowerr.NotFoundError{Entity: "user", ID: id}
	}
	u.WalletAddress = address
	u.UpdatedAt = s.now()
	cp := *u
	return &cp, nil
}

func (s *Store) CreateProject(_ context.Context, p *model.Project, events ...model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return &escrowerr.PersistenceError{Op: "create project", Err: s.FailWrites}
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	for i := range p.Milestones {
		p.Milestones[i].ProjectID = p.ID
		p.Milestones[i].Position = i
		p.Milestones[i].UpdatedAt = now
	}
	s.projects[p.ID] = p.Clone()
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) GetProject(_ context.Context, id string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, &escrowerr.NotFoundError{Entity: "project", ID: id}
	}
	return p.Clone(), nil
}

func (s *Store) ListProjects(_ context.Context, f repository.ProjectFilter) ([]*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Project
	for _, p := range s.projects {
		if matches(p, f) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func matches(p *model.Project, f repository.ProjectFilter) bool {
	if f.RecipientID == "" && f.ApproverID == "" && f.FunderID == "" && len(f.Statuses) == 0 {
		return true
	}
	if f.RecipientID != "" && p.RecipientID == f.RecipientID {
		return true
	}
	if f.ApproverID != "" && p.ApproverID == f.ApproverID {
		return true
	}
	if f.FunderID != "" && p.FunderID == f.FunderID {
		return true
	}
	for _, st := range f.Statuses {
		if p.Status == st {
			return true
		}
	}
	return false
}

func (s *Store) UpdateProject(_ context.Context, id string, fn repository.ProjectMutator) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, &escrowerr.PersistenceError{Op: "update project", Err: s.FailWrites}
	}
	cur, ok := s.projects[id]
	if !ok {
		return nil, &escrowerr.NotFoundError{Entity: "project", ID: id}
	}

	work := cur.Clone()
	events, err := fn(work)
	if err != nil {
		return nil, err
	}
	now := s.now()
	work.UpdatedAt = now
	for i := range work.Milestones {
		work.Milestones[i].ProjectID = id
		work.Milestones[i].Position = i
	}
	s.projects[id] = work
	s.events = append(s.events, events...)
	return work.Clone(), nil
}

func (s *Store) UpdateMilestone(_ context.Context, projectID string, position int, fn repository.MilestoneMutator) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, &escrowerr.PersistenceError{Op: "update milestone", Err: s.FailWrites}
	}
	cur, ok := s.projects[projectID]
	if !ok {
		return nil, &escrowerr.NotFoundError{Entity: "project", ID: projectID}
	}
	if position < 0 || position >= len(cur.Milestones) {
		frozen := 0
		if cur.Binding != nil {
			frozen = cur.Binding.Count()
		}
		return nil, &escrowerr.IndexOutOfRangeError{Position: position, OffChainCount: len(cur.Milestones), OnChainCount: frozen}
	}

	snapshot := cur.Clone()
	m := snapshot.Milestones[position]
	events, err := fn(snapshot, &m)
	if err != nil {
		return nil, err
	}
	m.ProjectID = projectID
	m.Position = position
	m.UpdatedAt = s.now()
	cur.Milestones[position] = m
	s.events = append(s.events, events...)
	return cur.Clone(), nil
}

func (s *Store) ListPendingBindings(_ context.Context, startedBefore time.Time) ([]*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Project
	for _, p := range s.projects {
		if p.Binding == nil && p.PendingBinding != nil && p.PendingBinding.StartedAt.Before(startedBefore) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListApprovedMilestones(_ context.Context, updatedBefore time.Time, limit int) ([]repository.MilestoneRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.MilestoneRef
	for _, p := range s.projects {
		for _, m := range p.Milestones {
			if m.Status == model.MilestoneApproved && m.UpdatedAt.Before(updatedBefore) {
				out = append(out, repository.MilestoneRef{ProjectID: p.ID, Position: m.Position, UpdatedAt: m.UpdatedAt})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendEvents(_ context.Context, events ...model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return &escrowerr.PersistenceError{Op: "append events", Err: s.FailWrites}
	}
	s.events = append(s.events, events...)
	return nil
}

var (
	_ repository.ProjectStore = (*Store)(nil)
	_ repository.UserStore    = (*Store)(nil)
)
