package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"soldout/internal/config"
	"soldout/internal/domain"
	"soldout/internal/engine"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookDispatcher forwards engine updates to configured URLs so external UI
// surfaces get pushed status changes instead of polling.
type webhookDispatcher struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
}

// StartWebhookDispatcher subscribes to the engine bus and delivers updates in
// the background. The returned stop function detaches the subscription.
func StartWebhookDispatcher(e *engine.Engine, hooks []config.WebhookConfig, logger *zap.Logger) func() {
	if len(hooks) == 0 {
		return func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &webhookDispatcher{
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
	}
	sub := e.Subscribe(256)
	go d.run(sub.C)
	return sub.Close
}

func (d *webhookDispatcher) run(updates <-chan domain.Update) {
	for update := range updates {
		for _, hook := range d.webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			if !matchEvent(hook.Events, string(update.Kind)) {
				continue
			}
			if err := d.post(hook, update); err != nil {
				d.logger.Warn("webhook delivery failed",
					zap.String("url", hook.URL),
					zap.String("kind", string(update.Kind)),
					zap.Error(err))
			}
		}
	}
}

func (d *webhookDispatcher) post(hook config.WebhookConfig, update domain.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Soldout-Event", string(update.Kind))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Soldout-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &webhookStatusError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return nil
}

type webhookStatusError struct {
	status int
	body   string
}

func (e *webhookStatusError) Error() string {
	return "status " + http.StatusText(e.status) + ": " + e.body
}

func matchEvent(events []string, kind string) bool {
	if len(events) == 0 {
		return true
	}
	for _, evt := range events {
		if strings.TrimSpace(evt) == kind {
			return true
		}
	}
	return false
}
