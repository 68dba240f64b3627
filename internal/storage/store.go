// Package storage persists campaigns, their per-recipient message records,
// and the recipient contact list.
//
// Statuses are closed enumerations with an explicit transition table; the
// store rejects writes that would move a campaign along an edge not in the
// table. The draft→sending edge is special: it is claimed with a single
// conditional UPDATE so that two concurrent starts cannot both win.
package storage

import (
	"context"
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft               CampaignStatus = "draft"
	CampaignSending             CampaignStatus = "sending"
	CampaignCompleted           CampaignStatus = "completed"
	CampaignCompletedWithErrors CampaignStatus = "completed_with_errors"
	CampaignFailed              CampaignStatus = "failed"
)

// campaignEdges is the full set of legal campaign status transitions.
var campaignEdges = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:   {CampaignSending},
	CampaignSending: {CampaignCompleted, CampaignCompletedWithErrors, CampaignFailed},
}

// CanTransition reports whether s→to is a legal edge.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s CampaignStatus) Terminal() bool {
	return len(campaignEdges[s]) == 0 && s != ""
}

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// MaxBodyRunes bounds a campaign message body.
const MaxBodyRunes = 1000

type Campaign struct {
	ID        string
	Name      string
	Body      string
	Status    CampaignStatus
	Total     int
	Sent      int
	Failed    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MessageRecord struct {
	ID         string
	CampaignID string
	ContactID  string
	Phone      string
	Body       string
	Status     MessageStatus
	Error      string
	SentAt     *time.Time
}

type Contact struct {
	ID        string
	Phone     string
	Name      string
	CreatedAt time.Time
}

var (
	ErrNotFound          = errors.New("not found")
	ErrBodyTooLong       = errors.New("message body too long")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CampaignStore is the campaign side of the ledger: campaign rows plus their
// per-recipient message records.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, name, body string) (Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)

	// ClaimForSending atomically moves a draft campaign to sending and fixes
	// its recipient total. It reports false when the campaign exists but is
	// no longer draft, which is how a losing concurrent start is detected.
	ClaimForSending(ctx context.Context, id string, total int) (bool, error)

	// SetCampaignStatus moves the campaign along a legal edge and records
	// the aggregate counters. Illegal edges fail with ErrInvalidTransition.
	SetCampaignStatus(ctx context.Context, id string, status CampaignStatus, sent, failed int) error

	// CreateMessages bulk-inserts one pending record per recipient,
	// snapshotting the body at send time.
	CreateMessages(ctx context.Context, campaignID, body string, recipients []Contact) ([]MessageRecord, error)

	// UpdateMessage resolves one record's send attempt. Each record is
	// resolved at most once.
	UpdateMessage(ctx context.Context, id string, status MessageStatus, errDetail string, sentAt *time.Time) error

	ListMessages(ctx context.Context, campaignID string) ([]MessageRecord, error)
}

// ContactStore is the recipient list. The dispatcher reads it exactly once
// per dispatch, in stable order.
type ContactStore interface {
	AddContact(ctx context.Context, phone, name string) (Contact, error)
	ListContacts(ctx context.Context) ([]Contact, error)
}

type Store interface {
	CampaignStore
	ContactStore
	Close() error
}
