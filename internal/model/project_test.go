package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMilestoneTransitions(t *testing.T) {
	allowed := [][2]MilestoneStatus{
		{MilestoneDraft, MilestoneSubmitted},
		{MilestoneSubmitted, MilestoneApproved},
		{MilestoneSubmitted, MilestoneRejected},
		{MilestoneRejected, MilestoneSubmitted},
		{MilestoneApproved, MilestoneReleased},
		{MilestoneApproved, MilestoneSubmitted},
	}
	for _, tr := range allowed {
		assert.True(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]MilestoneStatus{
		{MilestoneDraft, MilestoneApproved},
		{MilestoneDraft, MilestoneReleased},
		{MilestoneSubmitted, MilestoneReleased},
		{MilestoneReleased, MilestoneSubmitted},
		{MilestoneRejected, MilestoneApproved},
		{MilestoneApproved, MilestoneRejected},
	}
	for _, tr := range denied {
		assert.False(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestProjectAllReleased(t *testing.T) {
	p := &Project{}
	assert.False(t, p.AllReleased())

	p.Milestones = []Milestone{{Status: MilestoneReleased}, {Status: MilestoneApproved}}
	assert.False(t, p.AllReleased())

	p.Milestones[1].Status = MilestoneReleased
	assert.True(t, p.AllReleased())
}
