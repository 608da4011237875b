package domain

import (
	"strings"
	"time"
)

// BotStatus is the provisioning state of a bot record.
type BotStatus string

const (
	BotStatusCreating BotStatus = "creating"
	BotStatusActive   BotStatus = "active"
	BotStatusError    BotStatus = "error"
)

var validTransitions = map[BotStatus][]BotStatus{
	BotStatusCreating: {BotStatusActive, BotStatusError},
	BotStatusActive:   {},
	BotStatusError:    {},
}

// ValidTransition reports whether a record may move from one status to another.
// active and error are terminal for a creation attempt.
func ValidTransition(from, to BotStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s BotStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Bot is the persisted deployment record of a tenant bot.
type Bot struct {
	ID               int64
	OwnerID          int64
	Name             string
	Token            string
	Capabilities     []string
	Status           BotStatus
	PublicURL        string
	InternalAddress  string
	ClusterReference string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Descriptor returns the immutable parameter set derived from the record.
func (b Bot) Descriptor() Descriptor {
	caps := make([]string, len(b.Capabilities))
	copy(caps, b.Capabilities)
	return Descriptor{
		ID:           b.ID,
		OwnerID:      b.OwnerID,
		Name:         b.Name,
		Token:        b.Token,
		Capabilities: caps,
	}
}

// BotStatusUpdate captures the orchestrator-owned fields written on a transition.
type BotStatusUpdate struct {
	BotID           int64
	Status          BotStatus
	PublicURL       string
	InternalAddress string
	ErrorMessage    string
}

// Descriptor drives materialization, build and deployment of one bot.
type Descriptor struct {
	ID           int64
	OwnerID      int64
	Name         string
	Token        string
	Capabilities []string
}

// NormalizedName is the lowercase name used for tags and cluster objects.
func (d Descriptor) NormalizedName() string {
	return strings.ToLower(strings.TrimSpace(d.Name))
}

// BotEvent is published whenever a bot record changes state.
type BotEvent struct {
	BotID        int64     `json:"bot_id"`
	OwnerID      int64     `json:"-"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	PublicURL    string    `json:"public_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}
