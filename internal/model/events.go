package model

import "time"

// Action is the logical action recorded by the backend collector.
// The vocabulary is fixed by the collector contract.
type Action string

const (
	ActionVisited         Action = "visitado"
	ActionBlocked         Action = "bloqueado"
	ActionDownloadStarted Action = "descarga_iniciada"
	ActionDownloadBlocked Action = "descarga_bloqueada"
	ActionTimeOnPage      Action = "tiempo_en_pagina"
	ActionInteraction     Action = "interaccion"
	ActionFormSubmitted   Action = "formulario_enviado"
	ActionLogout          Action = "logout"
)

// EventType classifies an audit event for risk scoring and reporting.
type EventType string

const (
	EventNavigation      EventType = "navigation"
	EventTimeOnPage      EventType = "time_on_page"
	EventBlock           EventType = "block"
	EventDownload        EventType = "download"
	EventUserInteraction EventType = "user_interaction"
	EventFormSubmit      EventType = "form_submit"
	EventSession         EventType = "session"
)

// InteractionKind is the vocabulary produced by the content-script capture.
type InteractionKind string

const (
	InteractionClick      InteractionKind = "click"
	InteractionCopy       InteractionKind = "copy"
	InteractionPaste      InteractionKind = "paste"
	InteractionCut        InteractionKind = "cut"
	InteractionPrint      InteractionKind = "print"
	InteractionDownload   InteractionKind = "download"
	InteractionFileUpload InteractionKind = "file_upload"
	InteractionFormSubmit InteractionKind = "form_submit"
)

// NavigationEvent is a before-navigate notification from the host.
// FrameID 0 is the top-level frame.
type NavigationEvent struct {
	TabID     int       `json:"tab_id"`
	FrameID   int       `json:"frame_id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// DownloadItem describes a download about to start or already in flight.
// ID is zero when the capture source has no platform download yet
// (link click, blob URL, window.open).
type DownloadItem struct {
	ID       int    `json:"id"`
	TabID    int    `json:"tab_id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	FileSize int64  `json:"filesize"`
	MimeType string `json:"mimetype"`
}

// ElementInfo is the DOM element an interaction targeted.
type ElementInfo struct {
	Tag   string `json:"tag"`
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
	Text  string `json:"text,omitempty"`
	Value string `json:"value,omitempty"`
	Href  string `json:"href,omitempty"`
}

// InteractionEvent is one user interaction captured by the content script.
type InteractionEvent struct {
	Kind            InteractionKind `json:"tipo_evento"`
	Target          ElementInfo     `json:"elemento_target"`
	FileName        string          `json:"nombre_archivo,omitempty"`
	Text            string          `json:"texto,omitempty"`
	SourceURL       string          `json:"url_origen"`
	TabID           int             `json:"tab_id"`
	Timestamp       string          `json:"timestamp"`
	HasPassword     bool            `json:"has_password,omitempty"`
	SensitiveFields []string        `json:"sensitive_fields,omitempty"`
}

// Geolocation is the public network location attached to audit events.
type Geolocation struct {
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// PolicyInfo explains why an event was blocked.
type PolicyInfo struct {
	BlockReason string `json:"block_reason"`
	Category    string `json:"category,omitempty"`
	PolicyID    string `json:"policy_id,omitempty"`
}

// AuditEvent is the immutable payload posted to the collector.
// It is created once per triggering action and never mutated afterwards.
type AuditEvent struct {
	EventID      string         `json:"event_id"`
	Domain       string         `json:"domain"`
	URL          string         `json:"url"`
	Action       Action         `json:"action"`
	Timestamp    string         `json:"timestamp"`
	IP           string         `json:"ip,omitempty"`
	Geolocation  *Geolocation   `json:"geolocation,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	TabTitle     string         `json:"tab_title,omitempty"`
	TimeOnPage   int64          `json:"time_on_page"`
	OpenTabs     int            `json:"open_tabs"`
	TabFocused   bool           `json:"tab_focused"`
	EventType    EventType      `json:"event_type"`
	EventDetails map[string]any `json:"event_details,omitempty"`
	RiskScore    int            `json:"risk_score"`
	PolicyInfo   *PolicyInfo    `json:"policy_info,omitempty"`
}

// TimestampFormat is the ISO-8601 layout used on the wire.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the collector's timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
