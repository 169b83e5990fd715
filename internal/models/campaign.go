package models

import (
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle state of a sponsorship campaign.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignPaused   CampaignStatus = "paused"
	CampaignArchived CampaignStatus = "archived"
)

// Campaign is the sponsor campaign whose cost feeds ROI. CRUD beyond what the
// engine needs lives in the surrounding application; the engine only reads
// spend and status.
type Campaign struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Spend     float64        `json:"spend"`
	Currency  string         `json:"currency"`
	Status    CampaignStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks required fields before persistence.
func (c *Campaign) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if c.Spend < 0 {
		return fmt.Errorf("%w: spend must not be negative", ErrValidation)
	}
	return nil
}
