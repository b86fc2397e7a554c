// Package host declares the browser capabilities the agent drives. The
// extension shim implements them; tests use hosttest.
package host

import (
	"context"
	"errors"

	"github.com/getathos/athos-agent/internal/model"
)

// ErrNoTab is returned when the referenced tab no longer exists.
var ErrNoTab = errors.New("host: no such tab")

// ErrDisconnected is returned when no shim is attached.
var ErrDisconnected = errors.New("host: shim not connected")

// Host is the browser platform as seen from the agent.
type Host interface {
	// RedirectTab navigates tabID to url.
	RedirectTab(ctx context.Context, tabID int, url string) error
	// CancelDownload cancels an in-flight platform download.
	CancelDownload(ctx context.Context, downloadID int) error
	// Notify shows a system notification.
	Notify(ctx context.Context, title, message string) error
	// Tab returns the current state of tabID.
	Tab(ctx context.Context, tabID int) (model.TabInfo, error)
	// ActiveTab returns the focused tab of the focused window.
	ActiveTab(ctx context.Context) (model.TabInfo, error)
	// CountTabs returns the number of open tabs across all windows.
	CountTabs(ctx context.Context) (int, error)
}

// Nop is a Host that does nothing. Used when no shim is configured.
type Nop struct{}

func (Nop) RedirectTab(context.Context, int, string) error   { return ErrDisconnected }
func (Nop) CancelDownload(context.Context, int) error        { return ErrDisconnected }
func (Nop) Notify(context.Context, string, string) error     { return nil }
func (Nop) Tab(context.Context, int) (model.TabInfo, error)  { return model.TabInfo{}, ErrNoTab }
func (Nop) ActiveTab(context.Context) (model.TabInfo, error) { return model.TabInfo{}, ErrNoTab }
func (Nop) CountTabs(context.Context) (int, error)           { return 0, nil }
