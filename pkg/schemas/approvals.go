package schemas

import (
	"sort"
	"time"
)

// ApprovalStatus is the decision state of one approval record.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// Decision is what an approver answers.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Approver is one entry of the approver list given at deployment creation.
// Lower levels are decided first; approvers sharing a level decide in parallel.
type Approver struct {
	UserID string
	Level  int
}

// Approval is one approver's decision gating a deployment.
type Approval struct {
	ID           string
	DeploymentID string
	ApproverID   string
	Level        int
	Status       ApprovalStatus
	Comment      string
	DecidedAt    *time.Time
	CreatedAt    time.Time
}

// SortApprovals orders approvals by level, then by id.
func SortApprovals(approvals []Approval) {
	sort.SliceStable(approvals, func(i, j int) bool {
		if approvals[i].Level == approvals[j].Level {
			return approvals[i].ID < approvals[j].ID
		}
		return approvals[i].Level < approvals[j].Level
	})
}

// LowestPendingLevel returns the lowest level that still has a pending approval.
func LowestPendingLevel(approvals []Approval) (level int, found bool) {
	for _, a := range approvals {
		if a.Status != ApprovalStatusPending {
			continue
		}

		if !found || a.Level < level {
			level, found = a.Level, true
		}
	}

	return
}

// ApprovalsOutcome reports whether every approval is approved and whether any was rejected.
func ApprovalsOutcome(approvals []Approval) (allApproved, anyRejected bool) {
	allApproved = len(approvals) > 0
	for _, a := range approvals {
		switch a.Status {
		case ApprovalStatusRejected:
			anyRejected = true
			allApproved = false
		case ApprovalStatusPending:
			allApproved = false
		}
	}

	return
}
