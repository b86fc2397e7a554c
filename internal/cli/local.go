package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/getathos/athos-agent/internal/model"
)

// errAgentDown means no agent answered on the bridge address.
var errAgentDown = errors.New("agent not running")

// localAgent talks to a running agent's bridge over loopback.
type localAgent struct {
	http *resty.Client
}

func newLocalAgent(addr string) *localAgent {
	return &localAgent{
		http: resty.New().
			SetBaseURL("http://" + addr).
			SetTimeout(3 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

func (l *localAgent) setCredential(ctx context.Context, token string) error {
	resp, err := l.http.R().SetContext(ctx).
		SetBody(map[string]string{"token": token}).
		Put("/v1/credential")
	return check(resp, err, http.StatusNoContent)
}

func (l *localAgent) clearCredential(ctx context.Context) error {
	resp, err := l.http.R().SetContext(ctx).Delete("/v1/credential")
	return check(resp, err, http.StatusNoContent)
}

func (l *localAgent) status(ctx context.Context) (model.AgentStatus, error) {
	var st model.AgentStatus
	resp, err := l.http.R().SetContext(ctx).Get("/v1/status")
	if err := check(resp, err, http.StatusOK); err != nil {
		return model.AgentStatus{}, err
	}
	if err := decode(resp, &st); err != nil {
		return model.AgentStatus{}, err
	}
	return st, nil
}

func (l *localAgent) lookup(ctx context.Context, rawURL string) (model.Decision, error) {
	var d model.Decision
	resp, err := l.http.R().SetContext(ctx).
		SetQueryParam("url", rawURL).
		Get("/v1/lookup")
	if err := check(resp, err, http.StatusOK); err != nil {
		return model.Decision{}, err
	}
	if err := decode(resp, &d); err != nil {
		return model.Decision{}, err
	}
	return d, nil
}

// decode reads the body as JSON whatever the response content type.
func decode(resp *resty.Response, v any) error {
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("decode agent response %s: %w", resp.Request.URL, err)
	}
	return nil
}

func check(resp *resty.Response, err error, want int) error {
	if err != nil {
		return fmt.Errorf("%w: %v", errAgentDown, err)
	}
	if resp.StatusCode() != want {
		return fmt.Errorf("agent answered %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
