// Package repository defines the record store used by the escrow services.
package repository

import (
	"context"
	"time"

	"milestonepay/internal/model"
)

// ProjectFilter selects projects for listings. Empty fields match everything;
// non-empty fields are combined with OR so a dashboard can ask for "mine or open".
type ProjectFilter struct {
	RecipientID string
	ApproverID  string
	FunderID    string
	Statuses    []model.ProjectStatus
}

// MilestoneRef identifies a milestone by project and position.
type MilestoneRef struct {
	ProjectID string
	Position  int
	UpdatedAt time.Time
}

// ProjectMutator changes a locked project and returns the events to record
// with the change. Returning an error rolls everything back.
type ProjectMutator func(p *model.Project) ([]model.Event, error)

// MilestoneMutator changes one locked milestone. p is a snapshot and must
// not be modified.
type MilestoneMutator func(p *model.Project, m *model.Milestone) ([]model.Event, error)

type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project, events ...model.Event) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]*model.Project, error)
	// UpdateProject holds the project row lock while fn runs.
	UpdateProject(ctx context.Context, id string, fn ProjectMutator) (*model.Project, error)
	// UpdateMilestone holds a shared lock on the project and an exclusive
	// lock on the milestone row while fn runs.
	UpdateMilestone(ctx context.Context, projectID string, position int, fn MilestoneMutator) (*model.Project, error)
	ListPendingBindings(ctx context.Context, startedBefore time.Time) ([]*model.Project, error)
	ListApprovedMilestones(ctx context.Context, updatedBefore time.Time, limit int) ([]MilestoneRef, error)
	// AppendEvents records events that are not tied to a state change.
	AppendEvents(ctx context.Context, events ...model.Event) error
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetWallet(ctx context.Context, id string, address string) (*model.User, error)
}
