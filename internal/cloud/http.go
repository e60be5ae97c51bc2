package cloud

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/useorgx/orgx-local/internal/cmn/backoff"
	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/entity"
)

// HTTPClient implements Client against the OrgX cloud API.
type HTTPClient struct {
	client *resty.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a cloud client from the process config.
func NewHTTPClient(cfg config.Cloud) *HTTPClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "orgx-local")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPClient{client: client}
}

// listEnvelope is the cloud plane's list response shape.
type listEnvelope struct {
	Items []entity.Record `json:"items"`
}

// readRetryPolicy bounds retries on idempotent reads.
func readRetryPolicy() backoff.RetryPolicy {
	return &backoff.ExponentialBackoffPolicy{
		InitialInterval: 200 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     2 * time.Second,
		MaxRetries:      2,
	}
}

// isRetriable retries transport errors, rate limits and server errors.
func isRetriable(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.Code == 429 || se.Code >= 500
	}
	return true
}

// classify converts a non-2xx response into an error.
func classify(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() == 401 {
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.String())
	}
	return &StatusError{Code: resp.StatusCode(), Message: resp.String()}
}

// getList performs a retried GET that decodes a list envelope.
func (c *HTTPClient) getList(ctx context.Context, path string, query map[string]string) ([]entity.Record, error) {
	var envelope listEnvelope
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).
			SetQueryParams(query).
			SetResult(&envelope).
			Get(path)
		if err != nil {
			return err
		}
		return classify(resp)
	}, readRetryPolicy(), isRetriable)
	if err != nil {
		return nil, err
	}
	return envelope.Items, nil
}

func (c *HTTPClient) ListEntities(ctx context.Context, typ, initiativeID string, limit int) ([]entity.Record, error) {
	query := map[string]string{"type": typ}
	if initiativeID != "" {
		query["initiative_id"] = initiativeID
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	return c.getList(ctx, "/v1/entities", query)
}

func (c *HTTPClient) ListSessions(ctx context.Context, filter Filter) ([]entity.Record, error) {
	return c.getList(ctx, "/v1/sessions", filterQuery(filter))
}

func (c *HTTPClient) ListActivity(ctx context.Context, filter Filter) ([]entity.Record, error) {
	return c.getList(ctx, "/v1/activity", filterQuery(filter))
}

func (c *HTTPClient) ListAgents(ctx context.Context) ([]entity.Record, error) {
	return c.getList(ctx, "/v1/agents", nil)
}

func (c *HTTPClient) ListLiveAgents(ctx context.Context, initiativeID string) ([]entity.Record, error) {
	query := map[string]string{}
	if initiativeID != "" {
		query["initiative_id"] = initiativeID
	}
	return c.getList(ctx, "/v1/agents/live", query)
}

func (c *HTTPClient) ListInitiatives(ctx context.Context) ([]entity.Record, error) {
	return c.getList(ctx, "/v1/initiatives", nil)
}

func (c *HTTPClient) ListDecisions(ctx context.Context, filter Filter) ([]entity.Record, error) {
	return c.getList(ctx, "/v1/decisions", filterQuery(filter))
}

func (c *HTTPClient) ListHandoffs(ctx context.Context, filter Filter) ([]entity.Record, error) {
	return c.getList(ctx, "/v1/handoffs", filterQuery(filter))
}

func (c *HTTPClient) GetDashboard(ctx context.Context) (entity.Record, error) {
	var out entity.Record
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&out).Get("/v1/dashboard")
		if err != nil {
			return err
		}
		return classify(resp)
	}, readRetryPolicy(), isRetriable)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetPlan(ctx context.Context) (string, error) {
	var out struct {
		Plan string `json:"plan"`
	}
	resp, err := c.client.R().SetContext(ctx).SetResult(&out).Get("/v1/billing/plan")
	if err != nil {
		return "", err
	}
	if err := classify(resp); err != nil {
		return "", err
	}
	return out.Plan, nil
}

func (c *HTTPClient) CreateEntity(ctx context.Context, typ string, payload map[string]any) (entity.Record, error) {
	var out entity.Record
	resp, err := c.client.R().SetContext(ctx).
		SetBody(map[string]any{"type": typ, "entity": payload}).
		SetResult(&out).
		Post("/v1/entities")
	if err != nil {
		return nil, err
	}
	if err := classify(resp); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) UpdateEntity(ctx context.Context, typ, id string, patch map[string]any) (entity.Record, error) {
	var out entity.Record
	resp, err := c.client.R().SetContext(ctx).
		SetQueryParam("type", typ).
		SetBody(patch).
		SetResult(&out).
		Patch("/v1/entities/" + id)
	if err != nil {
		return nil, err
	}
	if err := classify(resp); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) UpdateEntityStatus(ctx context.Context, typ, id, status string) error {
	_, err := c.UpdateEntity(ctx, typ, id, map[string]any{"status": status})
	return err
}

func (c *HTTPClient) ApplyChangeset(ctx context.Context, changes []Change, idempotencyKey string) error {
	resp, err := c.client.R().SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(map[string]any{"changes": changes}).
		Post("/v1/changesets")
	if err != nil {
		return err
	}
	return classify(resp)
}

func (c *HTTPClient) EmitActivity(ctx context.Context, event ActivityEvent) error {
	resp, err := c.client.R().SetContext(ctx).
		SetBody(event).
		Post("/v1/activity")
	if err != nil {
		return err
	}
	return classify(resp)
}

func (c *HTTPClient) RequestDecision(ctx context.Context, req DecisionRequest) error {
	resp, err := c.client.R().SetContext(ctx).
		SetBody(req).
		Post("/v1/decisions")
	if err != nil {
		return err
	}
	return classify(resp)
}

func (c *HTTPClient) CheckSpawnGuard(ctx context.Context, domain, taskID string) (SpawnGuardResult, error) {
	var out SpawnGuardResult
	resp, err := c.client.R().SetContext(ctx).
		SetBody(map[string]string{"domain": domain, "task_id": taskID}).
		SetResult(&out).
		Post("/v1/spawn-guard/check")
	if err != nil {
		return SpawnGuardResult{}, err
	}
	if err := classify(resp); err != nil {
		return SpawnGuardResult{}, err
	}
	return out, nil
}

// StreamLive opens the upstream SSE feed. The caller owns the reader and
// must close it; context cancellation aborts the stream.
func (c *HTTPClient) StreamLive(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.client.R().SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get("/v1/live/stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 300 {
		body := resp.RawBody()
		if body != nil {
			_ = body.Close()
		}
		return nil, &StatusError{Code: resp.StatusCode(), Message: "live stream unavailable"}
	}
	return resp.RawBody(), nil
}

func filterQuery(filter Filter) map[string]string {
	query := map[string]string{}
	if filter.InitiativeID != "" {
		query["initiative_id"] = filter.InitiativeID
	}
	if filter.RunID != "" {
		query["run_id"] = filter.RunID
	}
	if !filter.Since.IsZero() {
		query["since"] = filter.Since.UTC().Format(time.RFC3339)
	}
	if filter.IncludeIdle {
		query["include_idle"] = "true"
	}
	if filter.Limit > 0 {
		query["limit"] = strconv.Itoa(filter.Limit)
	}
	return query
}
