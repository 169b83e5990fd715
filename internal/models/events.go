package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks an event that was rejected before storage. Handlers
// translate it to a 400 and the producer is expected to fix the payload,
// not retry it verbatim.
var ErrValidation = errors.New("validation error")

// ===========================================
// LISTENER EVENT (behavioral stream)
// ===========================================

// ListenerEventType enumerates raw playback observations.
type ListenerEventType string

const (
	ListenerEventPlay     ListenerEventType = "play"
	ListenerEventPause    ListenerEventType = "pause"
	ListenerEventComplete ListenerEventType = "complete"
	ListenerEventSkip     ListenerEventType = "skip"
	ListenerEventDownload ListenerEventType = "download"
)

// ListenerEvent is one raw behavioral observation. Immutable once written;
// the caller-supplied IdempotencyKey rejects duplicate delivery.
type ListenerEvent struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	EpisodeID      string            `json:"episode_id"`
	ListenerID     string            `json:"listener_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Type           ListenerEventType `json:"type"`
	OccurredAt     time.Time         `json:"occurred_at"`
	IdempotencyKey string            `json:"idempotency_key"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// Validate rejects events that must not reach storage.
func (e *ListenerEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if e.EpisodeID == "" {
		return fmt.Errorf("%w: episode_id is required", ErrValidation)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrValidation)
	}
	switch e.Type {
	case ListenerEventPlay, ListenerEventPause, ListenerEventComplete,
		ListenerEventSkip, ListenerEventDownload:
	default:
		return fmt.Errorf("%w: unknown listener event type %q", ErrValidation, e.Type)
	}
	return nil
}

// ===========================================
// ATTRIBUTION EVENT (conversion stream)
// ===========================================

// AttributionMethod identifies how a conversion-adjacent observation was
// captured.
type AttributionMethod string

const (
	MethodPromoCode AttributionMethod = "promo_code"
	MethodPixel     AttributionMethod = "pixel"
	MethodUTM       AttributionMethod = "utm"
)

// AttributionEventKind separates touchpoint observations from terminal
// conversions within the attribution stream.
type AttributionEventKind string

const (
	KindTouchpoint AttributionEventKind = "touchpoint"
	KindConversion AttributionEventKind = "conversion"
)

// ClickMeta carries the optional linked metadata record for an attribution
// event: page URL, referrer and UTM fields.
type ClickMeta struct {
	PageURL     string `json:"page_url,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
}

// DeviceSignals are the raw device observations used for fingerprinting.
type DeviceSignals struct {
	DeviceID  string `json:"device_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	OS        string `json:"os,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// AttributionEvent is one raw conversion-adjacent observation. Same
// immutability and idempotency rules as ListenerEvent.
type AttributionEvent struct {
	ID             string               `json:"id"`
	TenantID       string               `json:"tenant_id"`
	CampaignID     string               `json:"campaign_id"`
	EpisodeID      string               `json:"episode_id,omitempty"`
	ListenerID     string               `json:"listener_id,omitempty"`
	SessionID      string               `json:"session_id,omitempty"`
	Method         AttributionMethod    `json:"method"`
	Kind           AttributionEventKind `json:"kind"`
	OccurredAt     time.Time            `json:"occurred_at"`
	IdempotencyKey string               `json:"idempotency_key"`
	Value          float64              `json:"value,omitempty"`
	Currency       string               `json:"currency,omitempty"`
	Device         DeviceSignals        `json:"device"`
	Meta           *ClickMeta           `json:"meta,omitempty"`
	Payload        map[string]string    `json:"payload,omitempty"`
}

// IsConversion reports whether the event terminates a journey.
func (e *AttributionEvent) IsConversion() bool {
	return e.Kind == KindConversion
}

// Validate rejects events that must not reach storage.
func (e *AttributionEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if e.CampaignID == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrValidation)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrValidation)
	}
	switch e.Method {
	case MethodPromoCode, MethodPixel, MethodUTM:
	default:
		return fmt.Errorf("%w: unknown attribution method %q", ErrValidation, e.Method)
	}
	switch e.Kind {
	case KindTouchpoint, KindConversion:
	default:
		return fmt.Errorf("%w: unknown attribution event kind %q", ErrValidation, e.Kind)
	}
	if e.Kind == KindConversion && e.Value < 0 {
		return fmt.Errorf("%w: conversion value must not be negative", ErrValidation)
	}
	return nil
}
