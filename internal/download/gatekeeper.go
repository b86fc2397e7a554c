// Package download gates downloads on a synchronous backend verdict.
package download

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/host"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/navigate"
	"github.com/getathos/athos-agent/internal/notify"
	"github.com/getathos/athos-agent/internal/report"
	"github.com/getathos/athos-agent/internal/store"
)

// Backend answers check-download requests.
type Backend interface {
	CheckDownload(ctx context.Context, token string, check api.DownloadCheck) (*api.DownloadVerdict, error)
}

// Credentials is the part of the credential store the gatekeeper needs.
type Credentials interface {
	Snapshot() (string, uint64)
	InvalidateIf(ctx context.Context, gen uint64) (bool, error)
}

// Reporter sends audit events.
type Reporter interface {
	Report(ctx context.Context, rep report.Report) (*api.LogResult, error)
}

// Counter persists the blocked counter.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// Notifier shows user-facing notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) bool
}

// Options configures a Gatekeeper.
type Options struct {
	Backend     Backend
	Credentials Credentials
	Host        host.Host
	Reporter    Reporter
	Counter     Counter
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	BlockPage   string
	Timeout     time.Duration
}

// Verdict is the gatekeeper's decision.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Checked is false when the backend was not consulted or failed and
	// the download was allowed by default.
	Checked bool `json:"checked"`
}

// Gatekeeper is the single interception point for every download source.
type Gatekeeper struct {
	opts Options
	log  *zap.Logger
	wg   sync.WaitGroup
}

// New creates a Gatekeeper.
func New(opts Options) *Gatekeeper {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Host == nil {
		opts.Host = host.Nop{}
	}
	if opts.BlockPage == "" {
		opts.BlockPage = "blocked.html"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Gatekeeper{opts: opts, log: opts.Logger}
}

// Check asks the backend whether item may be downloaded and runs the
// allow or deny side effects. Without a credential, and on any backend
// failure, the download is allowed.
func (g *Gatekeeper) Check(ctx context.Context, item model.DownloadItem) Verdict {
	token, gen := g.opts.Credentials.Snapshot()
	if token == "" {
		return g.result(Verdict{Allowed: true}, "unauthenticated")
	}

	item.Filename = filenameFor(item)
	checkCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	res, err := g.opts.Backend.CheckDownload(checkCtx, token, api.DownloadCheck{
		URL:      item.URL,
		Filename: item.Filename,
		FileSize: item.FileSize,
		MimeType: item.MimeType,
	})

	switch {
	case errors.Is(err, api.ErrUnauthorized):
		if cleared, ierr := g.opts.Credentials.InvalidateIf(ctx, gen); ierr != nil {
			g.log.Error("invalidate credential", zap.Error(ierr))
		} else if cleared && g.opts.Notifier != nil {
			g.opts.Notifier.Send(ctx, notify.SessionExpired())
		}
		return g.result(Verdict{Allowed: true}, "unauthorized")
	case err != nil:
		g.log.Warn("download check failed, allowing", zap.String("filename", item.Filename), zap.Error(err))
		return g.result(Verdict{Allowed: true}, "error")
	}

	if res.Allowed {
		g.report(item, model.ActionDownloadStarted, nil)
		return g.result(Verdict{Allowed: true, Checked: true}, "allowed")
	}

	g.deny(ctx, item, res.Reason)
	return g.result(Verdict{Allowed: false, Reason: res.Reason, Checked: true}, "blocked")
}

// HandleCreated checks a download the platform already started and
// cancels it when denied.
func (g *Gatekeeper) HandleCreated(ctx context.Context, item model.DownloadItem) Verdict {
	v := g.Check(ctx, item)
	if !v.Allowed && item.ID > 0 {
		if err := g.opts.Host.CancelDownload(ctx, item.ID); err != nil {
			g.log.Warn("cancel download failed", zap.Int("download_id", item.ID), zap.Error(err))
		}
	}
	return v
}

// Wait blocks until background reports finish.
func (g *Gatekeeper) Wait() {
	g.wg.Wait()
}

func (g *Gatekeeper) deny(ctx context.Context, item model.DownloadItem, reason string) {
	g.log.Info("download blocked", zap.String("filename", item.Filename), zap.String("reason", reason))

	if g.opts.Notifier != nil {
		g.opts.Notifier.Send(ctx, notify.DownloadBlocked(item.Filename, reason))
	}
	if g.opts.Counter != nil {
		if _, err := g.opts.Counter.Increment(ctx, store.KeyBlockedCount); err != nil {
			g.log.Error("increment blocked counter", zap.Error(err))
		}
	}

	tabID := item.TabID
	if tabID <= 0 {
		if tab, err := g.opts.Host.ActiveTab(ctx); err == nil {
			tabID = tab.ID
		}
	}
	if tabID > 0 {
		if err := g.opts.Host.RedirectTab(ctx, tabID, navigate.BlockPageURL(g.opts.BlockPage, item.URL)); err != nil {
			g.log.Warn("redirect to block page failed", zap.Error(err))
		}
	}

	g.report(item, model.ActionDownloadBlocked, &model.PolicyInfo{BlockReason: reason})
}

func (g *Gatekeeper) report(item model.DownloadItem, action model.Action, info *model.PolicyInfo) {
	if g.opts.Reporter == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		g.opts.Reporter.Report(ctx, report.Report{
			URL:       item.URL,
			Action:    action,
			EventType: model.EventDownload,
			TabID:     item.TabID,
			Details: map[string]any{
				report.DetailFilename: item.Filename,
				"filesize":            item.FileSize,
				"mimetype":            item.MimeType,
			},
			PolicyInfo: info,
		})
	}()
}

func (g *Gatekeeper) result(v Verdict, label string) Verdict {
	if g.opts.Metrics != nil {
		g.opts.Metrics.DownloadChecks.WithLabelValues(label).Inc()
	}
	return v
}

func filenameFor(item model.DownloadItem) string {
	if item.Filename != "" {
		// Platform download items carry a full local path.
		if i := strings.LastIndexAny(item.Filename, `/\`); i >= 0 && i < len(item.Filename)-1 {
			return item.Filename[i+1:]
		}
		return item.Filename
	}
	if u, err := url.Parse(item.URL); err == nil && u.Path != "" && u.Path != "/" {
		return path.Base(u.Path)
	}
	return "download"
}
