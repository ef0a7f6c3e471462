// Package sendone implements the send_one(campaign_id, list_contact_id)
// external collaborator spec.md §4.8/§6 describes: render, deliver over
// SMTP (via AWS SES), and record the send in mailbox_sent.
package sendone

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAlreadySent is returned when mailbox_sent's uniqueness constraint on
// (campaign_id, list_contact_id) rejects a duplicate — the DB is what
// actually guarantees at-most-once delivery, not any sender-side check.
var ErrAlreadySent = errors.New("sendone: campaign/contact pair already recorded as sent")

// Message is the rendered content and envelope for one send.
type Message struct {
	FromName  string
	FromEmail string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
}

// Repository resolves a campaign's rendered message and a contact's
// delivery address, and records the completed send.
type Repository interface {
	LoadCampaignMessage(ctx context.Context, campaignID uuid.UUID) (Message, error)
	LoadContactEmail(ctx context.Context, listContactID int64) (string, error)
	// RecordSent inserts the (campaign_id, list_contact_id) pair into
	// mailbox_sent. Implementations must return ErrAlreadySent on a unique
	// constraint violation rather than a generic error.
	RecordSent(ctx context.Context, campaignID uuid.UUID, listContactID int64) error
}

// Transport delivers one rendered message to one recipient.
type Transport interface {
	Deliver(ctx context.Context, msg Message, to string) (messageID string, err error)
}

type Sender struct {
	repo      Repository
	transport Transport
}

func New(repo Repository, transport Transport) *Sender {
	return &Sender{repo: repo, transport: transport}
}

// Send renders campaignID's message, delivers it to listContactID's
// address, and records the send. A prior send for the same pair surfaces
// as ErrAlreadySent rather than a second delivery attempt's error.
func (s *Sender) Send(ctx context.Context, campaignID uuid.UUID, listContactID int64) error {
	msg, err := s.repo.LoadCampaignMessage(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("sendone: load message campaign=%s: %w", campaignID, err)
	}
	to, err := s.repo.LoadContactEmail(ctx, listContactID)
	if err != nil {
		return fmt.Errorf("sendone: load contact=%d: %w", listContactID, err)
	}

	if _, err := s.transport.Deliver(ctx, msg, to); err != nil {
		return fmt.Errorf("sendone: deliver campaign=%s contact=%d: %w", campaignID, listContactID, err)
	}

	if err := s.repo.RecordSent(ctx, campaignID, listContactID); err != nil {
		if errors.Is(err, ErrAlreadySent) {
			return err
		}
		return fmt.Errorf("sendone: record sent campaign=%s contact=%d: %w", campaignID, listContactID, err)
	}
	return nil
}
