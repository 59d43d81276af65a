package domain

import (
	"time"
)

// Favorite represents a restaurant saved by a user. SavedAt is the client
// timestamp of the save action and drives the guest-upgrade merge policy.
type Favorite struct {
	UserID       string    `json:"user_id,omitempty"`
	RestaurantID string    `json:"restaurant_id"`
	SavedAt      time.Time `json:"saved_at"`
}

// GuestState is the client-held state a guest session carries into an
// upgrade. Favorites live only on the client until the guest authenticates.
type GuestState struct {
	GuestID   string     `json:"guest_id"`
	Favorites []Favorite `json:"favorites"`
}
