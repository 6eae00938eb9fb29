package mq

// Routing keys published on the events exchange through the outbox.
const (
	RoutingProjectProposed  = "project.proposed"
	RoutingProjectVerified  = "project.verified"
	RoutingProjectRejected  = "project.rejected"
	RoutingProjectFunded    = "project.funded"
	RoutingProjectCompleted = "project.completed"

	RoutingMilestoneSubmitted = "milestone.submitted"
	RoutingMilestoneApproved  = "milestone.approved"
	RoutingMilestoneRejected  = "milestone.rejected"
	RoutingMilestoneReleased  = "milestone.released"

	RoutingBindingOrphaned        = "escrow.binding_orphaned"
	RoutingReconciliationMismatch = "reconciliation.mismatch"
)

// Aggregate types stored with each outbox row.
const (
	AggregateProject   = "project"
	AggregateMilestone = "milestone"
)
