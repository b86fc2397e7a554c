// Package hosttest provides a recording host.Host for tests.
package hosttest

import (
	"context"
	"sync"

	"github.com/getathos/athos-agent/internal/host"
	"github.com/getathos/athos-agent/internal/model"
)

// Redirect records one RedirectTab call.
type Redirect struct {
	TabID int
	URL   string
}

// Notice records one Notify call.
type Notice struct {
	Title   string
	Message string
}

// Host is an in-memory host.Host. Set Tabs to control tab lookups and
// Err to make every command fail.
type Host struct {
	mu        sync.Mutex
	tabs      map[int]model.TabInfo
	redirects []Redirect
	cancelled []int
	notices   []Notice
	err       error
}

var _ host.Host = (*Host)(nil)

// New returns an empty fake host.
func New() *Host {
	return &Host{tabs: make(map[int]model.TabInfo)}
}

// SetTab registers or replaces a tab.
func (h *Host) SetTab(tab model.TabInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tabs[tab.ID] = tab
}

// SetErr makes every subsequent command return err.
func (h *Host) SetErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *Host) RedirectTab(_ context.Context, tabID int, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.redirects = append(h.redirects, Redirect{TabID: tabID, URL: url})
	if tab, ok := h.tabs[tabID]; ok {
		tab.URL = url
		h.tabs[tabID] = tab
	}
	return nil
}

func (h *Host) CancelDownload(_ context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.cancelled = append(h.cancelled, id)
	return nil
}

func (h *Host) Notify(_ context.Context, title, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.notices = append(h.notices, Notice{Title: title, Message: message})
	return nil
}

func (h *Host) Tab(_ context.Context, tabID int) (model.TabInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return model.TabInfo{}, h.err
	}
	tab, ok := h.tabs[tabID]
	if !ok {
		return model.TabInfo{}, host.ErrNoTab
	}
	return tab, nil
}

func (h *Host) ActiveTab(_ context.Context) (model.TabInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return model.TabInfo{}, h.err
	}
	for _, tab := range h.tabs {
		if tab.Active {
			return tab, nil
		}
	}
	return model.TabInfo{}, host.ErrNoTab
}

func (h *Host) CountTabs(_ context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return 0, h.err
	}
	return len(h.tabs), nil
}

// Redirects returns a copy of recorded redirects.
func (h *Host) Redirects() []Redirect {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Redirect(nil), h.redirects...)
}

// Cancelled returns a copy of cancelled download ids.
func (h *Host) Cancelled() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.cancelled...)
}

// Notices returns a copy of recorded notifications.
func (h *Host) Notices() []Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notice(nil), h.notices...)
}
