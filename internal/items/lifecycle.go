package items

import "github.com/erazemk/najdeno/internal/model"

// transitions lists every allowed status change. Statuses only move forward.
var transitions = map[model.ItemStatus]map[model.ItemStatus]struct{}{
	model.ItemStatusPending:  {model.ItemStatusApproved: {}},
	model.ItemStatusApproved: {model.ItemStatusClaimed: {}},
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to model.ItemStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// InitialStatus is the status a new report starts in. Reports filed by an
// admin skip moderation.
func InitialStatus(role model.Role) model.ItemStatus {
	if role.IsAdmin() {
		return model.ItemStatusApproved
	}
	return model.ItemStatusPending
}
