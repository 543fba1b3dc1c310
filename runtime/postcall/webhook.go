package postcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/unpod/corertc/runtime/dbpool"
	"github.com/unpod/corertc/runtime/task"
)

// dispatchWebhook implements spec.md §4.11 step 5: fire the agent's
// configured webhook with at most Config.WebhookMaxAttempts attempts on
// transport error or non-2xx response, recording each attempt in the
// execution log. Unlike the original handler, this does not log a final
// "completed" entry when every attempt failed — the log reflects what
// actually happened (see DESIGN.md).
func (f *Flow) dispatchWebhook(ctx context.Context, t task.Task, output OutputRecord) {
	plan, err := f.Webhooks.Lookup(ctx, t.Assignee)
	if err != nil {
		f.Logger.Warn(ctx, "postcall: webhook plan lookup failed", "task_id", t.TaskID, "error", err)
		return
	}
	if !plan.Enabled {
		_ = f.Tasks.AppendLog(ctx, t.TaskID, t.RunID, "webhook", "skipped", nil, logPayload("webhook not enabled"))
		return
	}
	if plan.URL == "" {
		_ = f.Tasks.AppendLog(ctx, t.TaskID, t.RunID, "webhook", "failed", nil, logPayload("webhook url not configured"))
		return
	}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= f.Config.WebhookMaxAttempts; attempt++ {
		status, err := f.Sender.Send(ctx, plan, output)
		lastStatus, lastErr = status, err
		if err != nil {
			_ = f.Tasks.AppendLog(ctx, t.TaskID, t.RunID, "webhook", "failed", nil, logPayload(fmt.Sprintf("attempt %d: %v", attempt, err)))
			continue
		}
		if status >= 200 && status < 300 {
			_ = f.Tasks.AppendLog(ctx, t.TaskID, t.RunID, "webhook", "success", nil, logPayload(fmt.Sprintf("attempt %d: status %d", attempt, status)))
			return
		}
		_ = f.Tasks.AppendLog(ctx, t.TaskID, t.RunID, "webhook", "failed", nil, logPayload(fmt.Sprintf("attempt %d: status %d", attempt, status)))
	}

	f.Logger.Warn(ctx, "postcall: webhook delivery exhausted retries",
		"task_id", t.TaskID, "attempts", f.Config.WebhookMaxAttempts, "last_status", lastStatus, "last_error", lastErr)
}

func logPayload(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"data": msg})
	return raw
}

// HTTPWebhookSender implements WebhookSender over net/http, merging a
// default Content-Type header with the plan's configured headers.
type HTTPWebhookSender struct {
	Client *http.Client
}

// NewHTTPWebhookSender builds an HTTPWebhookSender, falling back to
// http.DefaultClient (which sets no timeout) if client is nil.
func NewHTTPWebhookSender(client *http.Client) *HTTPWebhookSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWebhookSender{Client: client}
}

// Send implements WebhookSender.
func (s *HTTPWebhookSender) Send(ctx context.Context, plan WebhookPlan, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("postcall: marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, plan.URL, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range plan.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// PostgresWebhookPlanLookup resolves a per-agent webhook plan from the
// dynamic_form_values/dynamic_forms tables, the same join the original
// orchestrator's WebhookHandler.get_webhook_plan ran.
type PostgresWebhookPlanLookup struct {
	DB *dbpool.Pool
}

const webhookPlanQuery = `
SELECT dfv.values
  FROM dynamic_form_values dfv
  JOIN dynamic_forms df ON dfv.form_id = df.id
 WHERE dfv.parent_id = $1
   AND df.slug = 'webhook-integration'
`

type webhookPlanValues struct {
	EnableWebhook bool           `json:"enable_webhook"`
	WebhookURL    string         `json:"webhook_url"`
	Headers       any            `json:"headers"`
}

// Lookup implements WebhookPlanLookup.
func (l *PostgresWebhookPlanLookup) Lookup(ctx context.Context, agentID string) (WebhookPlan, error) {
	rows, err := l.DB.Query(ctx, webhookPlanQuery, agentID)
	if err != nil {
		return WebhookPlan{}, err
	}
	if len(rows) == 0 {
		return WebhookPlan{}, nil
	}

	raw, _ := rows[0]["values"].([]byte)
	if raw == nil {
		if s, ok := rows[0]["values"].(string); ok {
			raw = []byte(s)
		}
	}
	if raw == nil {
		return WebhookPlan{}, nil
	}

	var values webhookPlanValues
	if err := json.Unmarshal(raw, &values); err != nil {
		return WebhookPlan{}, fmt.Errorf("postcall: decode webhook plan: %w", err)
	}

	return WebhookPlan{
		Enabled: values.EnableWebhook,
		URL:     values.WebhookURL,
		Headers: mergeHeaders(values.Headers),
	}, nil
}

// mergeHeaders normalizes the webhook plan's headers field, which the
// original orchestrator allowed as either a dict or a list of
// {header_name, header_value} objects.
func mergeHeaders(raw any) map[string]string {
	headers := map[string]string{}
	switch v := raw.(type) {
	case map[string]any:
		for k, val := range v {
			if s, ok := val.(string); ok {
				headers[k] = s
			}
		}
	case []any:
		for _, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["header_name"].(string)
			value, _ := m["header_value"].(string)
			if name != "" {
				headers[name] = value
			}
		}
	}
	return headers
}
