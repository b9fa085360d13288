package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// WebhookScheduler retries failed webhook deliveries on a background interval.
type WebhookScheduler struct {
	store  *store.Store
	ticker *time.Ticker
	done   chan struct{}
}

func NewWebhookScheduler(s *store.Store) *WebhookScheduler {
	return &WebhookScheduler{store: s}
}

// Start begins the background ticker for retrying webhook deliveries.
func (ws *WebhookScheduler) Start() {
	ws.ticker = time.NewTicker(30 * time.Second)
	ws.done = make(chan struct{})
	go ws.run()
	log.Println("Webhook scheduler started (30s interval)")
}

// Stop halts the background ticker.
func (ws *WebhookScheduler) Stop() {
	if ws.ticker != nil {
		ws.ticker.Stop()
	}
	if ws.done != nil {
		close(ws.done)
	}
}

func (ws *WebhookScheduler) run() {
	for {
		select {
		case <-ws.done:
			return
		case <-ws.ticker.C:
			ws.processRetries()
		}
	}
}

// ProcessWebhookRetries runs one retry pass for a given store.
// Used by the multi-app scheduler, which ticks per app instead of per-store goroutines.
func ProcessWebhookRetries(s *store.Store) {
	(&WebhookScheduler{store: s}).processRetries()
}

func (ws *WebhookScheduler) processRetries() {
	ctx := context.Background()

	// The join recovers the backoff strategy from the webhook definition;
	// logs for deleted webhooks fall back to exponential.
	rows, err := store.QueryRows(ctx, ws.store.DB, fmt.Sprintf(
		`SELECT l.id, l.webhook_id, l.entity, l.hook, l.url, l.method, l.request_headers, l.request_body,
		        l.status, l.attempt, l.max_attempts, l.idempotency_key, w.retry AS retry_config
		 FROM _webhook_logs l
		 LEFT JOIN _webhooks w ON w.id = l.webhook_id
		 WHERE l.status = 'retrying' AND l.next_retry_at <= %s
		 ORDER BY l.next_retry_at ASC
		 LIMIT 50`, ws.store.Dialect.NowExpr()))
	if err != nil {
		log.Printf("ERROR: webhook scheduler query failed: %v", err)
		return
	}

	for _, row := range rows {
		ws.retryDelivery(ctx, row)
	}
}

func (ws *WebhookScheduler) retryDelivery(ctx context.Context, row map[string]any) {
	logID := fmt.Sprintf("%v", row["id"])
	attempt := toInt(row["attempt"]) + 1
	maxAttempts := toInt(row["max_attempts"])
	url := fmt.Sprintf("%v", row["url"])
	method := fmt.Sprintf("%v", row["method"])
	backoff := parseBackoff(row["retry_config"])

	// Parse request headers
	headers := map[string]string{}
	if h, ok := row["request_headers"]; ok && h != nil {
		switch v := h.(type) {
		case string:
			json.Unmarshal([]byte(v), &headers)
		case map[string]any:
			for k, val := range v {
				headers[k] = fmt.Sprintf("%v", val)
			}
		}
	}

	// Parse request body. The original payload (and its idempotency key) is
	// replayed as-is, so receivers can dedupe across attempts.
	var bodyJSON []byte
	if b, ok := row["request_body"]; ok && b != nil {
		switch v := b.(type) {
		case string:
			bodyJSON = []byte(v)
		default:
			bodyJSON, _ = json.Marshal(v)
		}
	}

	resolved := ResolveHeaders(headers)
	result := DispatchWebhook(ctx, url, method, resolved, bodyJSON)

	newStatus := "success"
	errMsg := result.Error
	if errMsg != "" || result.StatusCode < 200 || result.StatusCode >= 300 {
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
		if attempt+1 >= maxAttempts {
			newStatus = "failed"
		} else {
			newStatus = "retrying"
		}
	}

	var nextRetry any
	if newStatus == "retrying" {
		nextRetry = formatRetryTime(time.Now().Add(backoffDelay(backoff, attempt)))
	}

	pb := ws.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, ws.store.DB, fmt.Sprintf(
		`UPDATE _webhook_logs
		 SET status = %s, attempt = %s, response_status = %s, response_body = %s,
		     error = %s, next_retry_at = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(newStatus), pb.Add(attempt), pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
			pb.Add(errMsg), pb.Add(nextRetry), ws.store.Dialect.NowExpr(), pb.Add(logID)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: webhook scheduler update for %s: %v", logID, err)
		return
	}

	if newStatus == "success" {
		log.Printf("Webhook retry succeeded: log=%s attempt=%d", logID, attempt)
	} else if newStatus == "failed" {
		log.Printf("Webhook retry exhausted: log=%s attempt=%d max=%d", logID, attempt, maxAttempts)
	}
}

// parseBackoff extracts the backoff strategy from a _webhooks.retry JSON value.
func parseBackoff(raw any) string {
	var retry metadata.WebhookRetry
	switch v := raw.(type) {
	case string:
		json.Unmarshal([]byte(v), &retry)
	case []byte:
		json.Unmarshal(v, &retry)
	case map[string]any:
		if b, ok := v["backoff"].(string); ok {
			retry.Backoff = b
		}
	}
	if retry.Backoff == "" {
		return "exponential"
	}
	return retry.Backoff
}

// backoffDelay returns the wait before the attempt after n (0-based):
// exponential is 30s * 2^n, linear is 30s * (n+1).
func backoffDelay(backoff string, attempt int) time.Duration {
	const base = 30 * time.Second
	if backoff == "linear" {
		return base * time.Duration(attempt+1)
	}
	if attempt > 20 {
		attempt = 20
	}
	return base * time.Duration(int64(1)<<uint(attempt))
}

// formatRetryTime renders a timestamp both drivers can compare against their
// NowExpr output.
func formatRetryTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case json.Number:
		n, _ := val.Int64()
		return int(n)
	default:
		return 0
	}
}
