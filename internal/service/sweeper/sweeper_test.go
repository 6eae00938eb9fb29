package sweeper

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger/ledgertest"
	"milestonepay/internal/model"
	"milestonepay/internal/service/release"
	"milestonepay/internal/service/servicetest"
	"milestonepay/pkg/util"
)

func newRedis(t *testing.T) *goredis.Client {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestBindingSweeperReportsOrphansOnce(t *testing.T) {
	f := servicetest.New(t)
	rdb := newRedis(t)
	p := f.Project(t, model.ProjectVerified, 10000)

	started := time.Now().Add(-time.Hour)
	_, err := f.Store.UpdateProject(context.Background(), p.ID, func(p *model.Project) ([]model.Event, error) {
		p.PendingBinding = &model.BindingIntent{
			FunderID:  f.Funder.UserID,
			Amounts:   []*big.Int{big.NewInt(100)},
			Total:     big.NewInt(100),
			StartedAt: started,
			Address:   "0x0000000000000000000000000000000000001234",
		}
		return nil, nil
	})
	require.NoError(t, err)
	// a fresh intent is not reported yet
	fresh := f.Project(t, model.ProjectVerified, 10000)
	_, err = f.Store.UpdateProject(context.Background(), fresh.ID, func(p *model.Project) ([]model.Event, error) {
		p.PendingBinding = &model.BindingIntent{FunderID: f.Funder.UserID, StartedAt: time.Now()}
		return nil, nil
	})
	require.NoError(t, err)

	s := NewBindingSweeper(f.Store, util.NewDeduper(rdb, time.Hour, zap.NewNop()), 10*time.Minute, zap.NewNop())

	assert.Equal(t, 1, s.Sweep(context.Background()))
	assert.Equal(t, 1, s.Sweep(context.Background()))

	evs := f.Store.EventsWithKey(mqcontracts.RoutingBindingOrphaned)
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(mqcontracts.BindingOrphanedPayload)
	assert.Equal(t, p.ID, payload.ProjectID)
	assert.Equal(t, "0x0000000000000000000000000000000000001234", payload.ContractAddress)
}

func newReleaseSweeper(t *testing.T, f *servicetest.Fixture, maxAttempts int64) *ReleaseSweeper {
	coord := release.NewCoordinator(f.Store, f.Ledger, nil, nil, release.Options{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, zap.NewNop())
	s := NewReleaseSweeper(f.Store, coord, util.NewRetryCounter(newRedis(t), time.Hour), time.Minute, maxAttempts, zap.NewNop())
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	return s
}

func TestReleaseSweeperRedrivesApprovedMilestones(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 5000, 5000)
	f.SetStatus(t, p.ID, 0, model.MilestoneApproved)
	f.SetStatus(t, p.ID, 1, model.MilestoneSubmitted)

	s := newReleaseSweeper(t, f, 3)
	assert.Equal(t, 1, s.Sweep(context.Background()))
	assert.Equal(t, model.MilestoneReleased, f.Milestone(t, p.ID, 0).Status)
	assert.Equal(t, model.MilestoneSubmitted, f.Milestone(t, p.ID, 1).Status)
	assert.Equal(t, 1, f.Ledger.ApproveCalls())

	assert.Zero(t, s.Sweep(context.Background()))
}

func TestReleaseSweeperStopsAfterMaxAttempts(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 10000)
	f.SetStatus(t, p.ID, 0, model.MilestoneApproved)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.ReadErr = &escrowerr.ChainCallError{Op: "getMilestones", Transient: true}
	})

	s := newReleaseSweeper(t, f, 2)
	for i := 0; i < 4; i++ {
		assert.Zero(t, s.Sweep(context.Background()))
	}
	// two sweeps, two attempts each
	assert.Equal(t, 4, f.Ledger.ReadCalls())
	assert.Equal(t, model.MilestoneApproved, f.Milestone(t, p.ID, 0).Status)
}
