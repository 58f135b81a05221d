package model

import "time"

// Item is a reported lost or found item.
type Item struct {
	ID          int64      `json:"id"`
	Name        string     `json:"itemName"`
	Category    string     `json:"category,omitempty"`
	Location    string     `json:"location,omitempty"`
	Description string     `json:"description,omitempty"`
	Type        ItemType   `json:"itemType"`
	Image       *string    `json:"image"`
	ReporterID  string     `json:"reporterId"`
	Status      ItemStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ItemType says whether the reporter lost or found the item.
type ItemType string

// Item types.
const (
	ItemTypeLost  ItemType = "Lost"
	ItemTypeFound ItemType = "Found"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	return t == ItemTypeLost || t == ItemTypeFound
}

// ItemStatus is the moderation state of an item.
type ItemStatus string

// Item statuses. Items only ever move forward through this list.
const (
	ItemStatusPending  ItemStatus = "Pending"
	ItemStatusApproved ItemStatus = "Approved"
	ItemStatusClaimed  ItemStatus = "Claimed"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusApproved, ItemStatusClaimed:
		return true
	default:
		return false
	}
}

// Transition records a single status change of an item.
type Transition struct {
	ID        int64      `json:"id"`
	ItemID    int64      `json:"itemId"`
	From      ItemStatus `json:"from,omitempty"`
	To        ItemStatus `json:"to"`
	ActorID   string     `json:"actorId"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Reporter is the public profile of the identity that reported an item.
type Reporter struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PendingItem is an item awaiting moderation, joined with its reporter.
type PendingItem struct {
	Item
	Reporter *Reporter `json:"user,omitempty"`
}
