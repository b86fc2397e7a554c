// Package notify delivers user-facing notifications to the browser host and
// to optional webhook endpoints.
package notify

import (
	"fmt"
	"time"
)

// Kind identifies a notification class. Webhook event filters match on it.
type Kind string

const (
	KindLoginRequired      Kind = "login_required"
	KindSessionExpired     Kind = "session_expired"
	KindConnectivityError  Kind = "connectivity_error"
	KindConfigurationError Kind = "configuration_error"
	KindSiteBlocked        Kind = "site_blocked"
	KindDownloadBlocked    Kind = "download_blocked"
)

// Failure reports whether k is a backend or credential failure. Failures are
// throttled; block notices are not.
func (k Kind) Failure() bool {
	switch k {
	case KindLoginRequired, KindSessionExpired, KindConnectivityError, KindConfigurationError:
		return true
	}
	return false
}

// Notification is one message shown to the user.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Domain    string    `json:"domain,omitempty"`
	Category  string    `json:"category,omitempty"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// SiteBlocked names the blocked domain.
func SiteBlocked(domain, category string) Notification {
	return Notification{
		Kind:     KindSiteBlocked,
		Title:    "Sitio Bloqueado",
		Message:  fmt.Sprintf("El acceso a %s ha sido bloqueado por políticas de la organización.", domain),
		Domain:   domain,
		Category: category,
		Priority: 2,
	}
}

// DownloadBlocked names the blocked file.
func DownloadBlocked(filename, reason string) Notification {
	msg := fmt.Sprintf("La descarga de %s ha sido bloqueada por políticas de la organización.", filename)
	if reason != "" {
		msg += " Motivo: " + reason
	}
	return Notification{
		Kind:     KindDownloadBlocked,
		Title:    "Descarga Bloqueada",
		Message:  msg,
		Priority: 2,
	}
}

// LoginRequired asks the user to sign in.
func LoginRequired() Notification {
	return Notification{
		Kind:     KindLoginRequired,
		Title:    "Inicio de sesión requerido",
		Message:  "Inicie sesión en Athos para aplicar las políticas de navegación.",
		Priority: 1,
	}
}

// SessionExpired tells the user the backend rejected the stored credential.
func SessionExpired() Notification {
	return Notification{
		Kind:     KindSessionExpired,
		Title:    "Sesión expirada",
		Message:  "Su sesión ha expirado. Inicie sesión nuevamente.",
		Priority: 1,
	}
}

// ConnectivityError reports that the backend could not be reached.
func ConnectivityError() Notification {
	return Notification{
		Kind:     KindConnectivityError,
		Title:    "Error de conexión",
		Message:  "No se pudo conectar con el servidor de Athos. Se usan las últimas políticas conocidas.",
		Priority: 1,
	}
}

// ConfigurationError reports that the backend answered but the request failed.
func ConfigurationError(detail string) Notification {
	msg := "El servidor de Athos respondió con un error de configuración."
	if detail != "" {
		msg += " " + detail
	}
	return Notification{
		Kind:     KindConfigurationError,
		Title:    "Error de configuración",
		Message:  msg,
		Priority: 1,
	}
}
