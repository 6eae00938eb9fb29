// Package postgres implements the record store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"milestonepay/internal/allocation"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/pkg/outbox"
)

type ProjectStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewProjectStore(db *pgxpool.Pool, logger *zap.Logger) *ProjectStore {
	return &ProjectStore{
		db:     db,
		logger: logger,
	}
}

const projectColumns = `
	id::text, title, abstract, proposal_ref, proposal_hash,
	recipient_id::text, funder_id::text, approver_id::text, status,
	escrow_address, escrow_total::text, escrow_amounts::text[], escrow_tx_hash, bound_at,
	pending_binding, created_at, updated_at`

const milestoneColumns = `
	project_id::text, position, title, description, percentage_bps, amount::text,
	proof_ref, status, released, release_tx_hash, rejection_reason, updated_at`

func persistence(op string, err error) error {
	return &escrowerr.PersistenceError{Op: op, Err: err}
}

// withTx runs fn in a transaction. Errors from fn pass through untouched so
// domain errors keep their type; infrastructure errors are wrapped.
func (s *ProjectStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return persistence(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence(op, err)
	}
	return nil
}

func (s *ProjectStore) writeEvents(ctx context.Context, tx pgx.Tx, events []model.Event) error {
	drafts := make([]outbox.Draft, len(events))
	for i, e := range events {
		drafts[i] = outbox.Draft{
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			RoutingKey:    e.RoutingKey,
			Payload:       e.Payload,
		}
	}
	if err := outbox.InsertDraftsInTx(ctx, tx, drafts...); err != nil {
		return persistence("insert outbox event", err)
	}
	return nil
}

func (s *ProjectStore) CreateProject(ctx context.Context, p *model.Project, events ...model.Event) error {
	s.logger.Debug("Inserting project",
		zap.String("id", p.ID),
		zap.String("recipient_id", p.RecipientID),
		zap.Int("milestones", len(p.Milestones)),
	)

	err := s.withTx(ctx, "create project", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO projects (id, title, abstract, proposal_ref, proposal_hash, recipient_id, approver_id, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at
		`, p.ID, p.Title, p.Abstract, nullString(p.ProposalRef), nullString(p.ProposalHash),
			p.RecipientID, p.ApproverID, string(p.Status),
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return persistence("insert project", err)
		}
		for i := range p.Milestones {
			p.Milestones[i].ProjectID = p.ID
			p.Milestones[i].Position = i
			if err := upsertMilestone(ctx, tx, &p.Milestones[i]); err != nil {
				return err
			}
		}
		return s.writeEvents(ctx, tx, events)
	})
	if err != nil {
		s.logger.Error("Failed to insert project", zap.String("id", p.ID), zap.Error(err))
		return err
	}

	s.logger.Info("Project inserted successfully", zap.String("id", p.ID))
	return nil
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &escrowerr.NotFoundError{Entity: "project", ID: id}
		}
		return nil, persistence("get project", err)
	}
	if p.Milestones, err = loadMilestones(ctx, s.db, id, ""); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ProjectStore) ListProjects(ctx context.Context, f repository.ProjectFilter) ([]*model.Project, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	all := f.RecipientID == "" && f.ApproverID == "" && f.FunderID == "" && len(statuses) == 0

	rows, err := s.db.Query(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE $1::boolean
		   OR ($2 <> '' AND recipient_id::text = $2)
		   OR ($3 <> '' AND approver_id::text = $3)
		   OR ($4 <> '' AND funder_id::text = $4)
		   OR status = ANY($5::text[])
		ORDER BY created_at DESC
	`, all, f.RecipientID, f.ApproverID, f.FunderID, statuses)
	if err != nil {
		return nil, persistence("list projects", err)
	}
	projects, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	return s.attachMilestones(ctx, projects)
}

func (s *ProjectStore) attachMilestones(ctx context.Context, projects []*model.Project) ([]*model.Project, error) {
	for _, p := range projects {
		ms, err := loadMilestones(ctx, s.db, p.ID, "")
		if err != nil {
			return nil, err
		}
		p.Milestones = ms
	}
	return projects, nil
}

func (s *ProjectStore) UpdateProject(ctx context.Context, id string, fn repository.ProjectMutator) (*model.Project, error) {
	var updated *model.Project
	err := s.withTx(ctx, "update project", func(tx pgx.Tx) error {
		p, err := scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &escrowerr.NotFoundError{Entity: "project", ID: id}
			}
			return persistence("lock project", err)
		}
		if p.Milestones, err = loadMilestones(ctx, tx, id, "FOR UPDATE"); err != nil {
			return err
		}

		events, err := fn(p)
		if err != nil {
			return err
		}

		if err := updateProjectRow(ctx, tx, p); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM milestones WHERE project_id = $1 AND position >= $2`, id, len(p.Milestones)); err != nil {
			return persistence("trim milestones", err)
		}
		for i := range p.Milestones {
			p.Milestones[i].ProjectID = id
			p.Milestones[i].Position = i
			if err := upsertMilestone(ctx, tx, &p.Milestones[i]); err != nil {
				return err
			}
		}
		if err := s.writeEvents(ctx, tx, events); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Project updated",
		zap.String("id", id),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

func (s *ProjectStore) UpdateMilestone(ctx context.Context, projectID string, position int, fn repository.MilestoneMutator) (*model.Project, error) {
	var updated *model.Project
	err := s.withTx(ctx, "update milestone", func(tx pgx.Tx) error {
		p, err := scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR SHARE`, projectID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &escrowerr.NotFoundError{Entity: "project", ID: projectID}
			}
			return persistence("lock project", err)
		}
		if p.Milestones, err = loadMilestones(ctx, tx, projectID, ""); err != nil {
			return err
		}
		if position < 0 || position >= len(p.Milestones) {
			frozen := 0
			if p.Binding != nil {
				frozen = p.Binding.Count()
			}
			return &escrowerr.IndexOutOfRangeError{Position: position, OffChainCount: len(p.Milestones), OnChainCount: frozen}
		}

		m, err := scanMilestone(tx.QueryRow(ctx, `
			SELECT `+milestoneColumns+` FROM milestones
			WHERE project_id = $1 AND position = $2
			FOR UPDATE
		`, projectID, position))
		if err != nil {
			return persistence("lock milestone", err)
		}

		snapshot := p.Clone()
		snapshot.Milestones[position] = *m
		events, err := fn(snapshot, m)
		if err != nil {
			return err
		}
		m.ProjectID = projectID
		m.Position = position
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return err
		}
		if err := s.writeEvents(ctx, tx, events); err != nil {
			return err
		}
		p.Milestones[position] = *m
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ProjectStore) ListPendingBindings(ctx context.Context, startedBefore time.Time) ([]*model.Project, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE pending_binding IS NOT NULL
		  AND escrow_address IS NULL
		  AND (pending_binding->>'started_at')::timestamptz < $1
		ORDER BY id
	`, startedBefore)
	if err != nil {
		return nil, persistence("list pending bindings", err)
	}
	projects, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	return s.attachMilestones(ctx, projects)
}

func (s *ProjectStore) ListApprovedMilestones(ctx context.Context, updatedBefore time.Time, limit int) ([]repository.MilestoneRef, error) {
	rows, err := s.db.Query(ctx, `
		SELECT project_id::text, position, updated_at
		FROM milestones
		WHERE status = 'approved' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, persistence("list approved milestones", err)
	}
	defer rows.Close()

	var refs []repository.MilestoneRef
	for rows.Next() {
		var ref repository.MilestoneRef
		if err := rows.Scan(&ref.ProjectID, &ref.Position, &ref.UpdatedAt); err != nil {
			return nil, persistence("scan milestone ref", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list approved milestones", err)
	}
	return refs, nil
}

func (s *ProjectStore) AppendEvents(ctx context.Context, events ...model.Event) error {
	return s.withTx(ctx, "append events", func(tx pgx.Tx) error {
		return s.writeEvents(ctx, tx, events)
	})
}

func updateProjectRow(ctx context.Context, tx pgx.Tx, p *model.Project) error {
	var (
		address, deployTx *string
		total             *string
		amounts           []string
		boundAt           *time.Time
	)
	if b := p.Binding; b != nil {
		address, deployTx = &b.Address, nullString(b.DeployTxHash)
		t := b.Total.String()
		total = &t
		amounts = intsToStrings(b.Amounts)
		boundAt = &b.BoundAt
	}
	intent, err := intentJSON(p.PendingBinding)
	if err != nil {
		return persistence("encode binding intent", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE projects SET
			title = $2, abstract = $3, proposal_ref = $4, proposal_hash = $5,
			funder_id = $6, status = $7,
			escrow_address = $8, escrow_total = $9::text::numeric,
			escrow_amounts = $10::text[]::numeric[], escrow_tx_hash = $11, bound_at = $12,
			pending_binding = $13::jsonb,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, p.ID, p.Title, p.Abstract, nullString(p.ProposalRef), nullString(p.ProposalHash),
		nullString(p.FunderID), string(p.Status),
		address, total, amounts, deployTx, boundAt,
		intent,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return persistence("update project", err)
	}
	return nil
}

func upsertMilestone(ctx context.Context, tx pgx.Tx, m *model.Milestone) error {
	var amount *string
	if m.Amount != nil {
		a := m.Amount.String()
		amount = &a
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO milestones (project_id, position, title, description, percentage_bps, amount,
		                        proof_ref, status, released, release_tx_hash, rejection_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (project_id, position) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			percentage_bps = EXCLUDED.percentage_bps,
			amount = EXCLUDED.amount,
			proof_ref = EXCLUDED.proof_ref,
			status = EXCLUDED.status,
			released = EXCLUDED.released,
			release_tx_hash = EXCLUDED.release_tx_hash,
			rejection_reason = EXCLUDED.rejection_reason,
			updated_at = CASE
				WHEN milestones.status IS DISTINCT FROM EXCLUDED.status
				  OR milestones.release_tx_hash IS DISTINCT FROM EXCLUDED.release_tx_hash
				THEN NOW() ELSE milestones.updated_at END
		RETURNING updated_at
	`, m.ProjectID, m.Position, m.Title, m.Description, int(m.Percentage), amount,
		nullString(m.ProofRef), string(m.Status), m.Released, nullString(m.ReleaseTxHash), nullString(m.RejectionReason),
	).Scan(&m.UpdatedAt)
	if err != nil {
		return persistence("upsert milestone", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadMilestones(ctx context.Context, q querier, projectID string, lock string) ([]model.Milestone, error) {
	rows, err := q.Query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE project_id = $1
		ORDER BY position `+lock, projectID)
	if err != nil {
		return nil, persistence("load milestones", err)
	}
	defer rows.Close()

	ms := []model.Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, persistence("scan milestone", err)
		}
		ms = append(ms, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("load milestones", err)
	}
	return ms, nil
}

func collectProjects(rows pgx.Rows) ([]*model.Project, error) {
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, persistence("scan project", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list projects", err)
	}
	return out, nil
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var (
		p                                   model.Project
		proposalRef, proposalHash, funderID *string
		status                              string
		address, total, deployTx            *string
		amounts                             []string
		boundAt                             *time.Time
		intent                              []byte
	)
	err := row.Scan(
		&p.ID, &p.Title, &p.Abstract, &proposalRef, &proposalHash,
		&p.RecipientID, &funderID, &p.ApproverID, &status,
		&address, &total, &amounts, &deployTx, &boundAt,
		&intent, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProposalRef = deref(proposalRef)
	p.ProposalHash = deref(proposalHash)
	p.FunderID = deref(funderID)
	p.Status = model.ProjectStatus(status)

	if address != nil {
		b := &model.EscrowBinding{Address: *address, DeployTxHash: deref(deployTx)}
		if b.Total, err = parseInt(deref(total)); err != nil {
			return nil, err
		}
		if b.Amounts, err = stringsToInts(amounts); err != nil {
			return nil, err
		}
		if boundAt != nil {
			b.BoundAt = *boundAt
		}
		p.Binding = b
	}
	if len(intent) > 0 {
		var bi model.BindingIntent
		if err := json.Unmarshal(intent, &bi); err != nil {
			return nil, fmt.Errorf("decode binding intent: %w", err)
		}
		p.PendingBinding = &bi
	}
	return &p, nil
}

func scanMilestone(row pgx.Row) (*model.Milestone, error) {
	var (
		m                                model.Milestone
		bps                              int
		amount, proofRef, txHash, reason *string
		status                           string
	)
	err := row.Scan(
		&m.ProjectID, &m.Position, &m.Title, &m.Description, &bps, &amount,
		&proofRef, &status, &m.Released, &txHash, &reason, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Percentage = allocation.Percent(bps)
	m.Status = model.MilestoneStatus(status)
	m.ProofRef = deref(proofRef)
	m.ReleaseTxHash = deref(txHash)
	m.RejectionReason = deref(reason)
	if amount != nil {
		if m.Amount, err = parseInt(*amount); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func intentJSON(i *model.BindingIntent) (any, error) {
	if i == nil {
		return nil, nil
	}
	raw, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func parseInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func stringsToInts(ss []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(ss))
	for i, s := range ss {
		v, err := parseInt(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func intsToStrings(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ repository.ProjectStore = (*ProjectStore)(nil)
