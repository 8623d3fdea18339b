package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"etdflow/internal/config"
	"etdflow/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts each event as JSON.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func (w Webhook) Name() string { return "webhook" }

func (w Webhook) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(messageFor(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ETD-Event", evt.Type)
	req.Header.Set("X-ETD-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-ETD-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// RedisStream appends each event to a Redis stream with XADD.
type RedisStream struct {
	Client *redis.Client
	Stream string
}

func (r RedisStream) Name() string { return "redis" }

func (r RedisStream) Deliver(ctx context.Context, evt domain.Event) error {
	msg := messageFor(evt)
	return r.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.Stream,
		Values: map[string]any{
			"id":          msg.ID,
			"type":        msg.Type,
			"entity_kind": msg.EntityKind,
			"entity_id":   msg.EntityID,
			"actor_id":    msg.ActorID,
			"from_status": msg.FromStatus,
			"to_status":   msg.ToStatus,
			"ts":          msg.TS,
			"payload":     string(msg.Payload),
		},
	}).Err()
}

// TargetsFromConfig builds the configured sinks. Disabled webhooks are
// skipped. The returned close function releases the Redis client.
func TargetsFromConfig(cfg *config.Config) ([]Target, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		return nil, noop, nil
	}
	var targets []Target
	client := &http.Client{Timeout: defaultWebhookTimeout}
	for _, hook := range cfg.Notify.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		targets = append(targets, Target{Sink: Webhook{URL: hook.URL, Secret: hook.Secret, Client: client}, Events: hook.Events})
	}
	closer := noop
	if cfg.Notify.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Notify.Redis.URL)
		if err != nil {
			return nil, noop, fmt.Errorf("notify.redis.url: %w", err)
		}
		rdb := redis.NewClient(opts)
		closer = rdb.Close
		targets = append(targets, Target{Sink: RedisStream{Client: rdb, Stream: cfg.Notify.Redis.Stream}})
	}
	return targets, closer, nil
}
