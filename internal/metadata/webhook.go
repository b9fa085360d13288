package metadata

// WebhookRetry defines retry behaviour for async webhook delivery.
type WebhookRetry struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"` // "exponential" or "linear"
}

// EffectiveRetry returns the retry config with defaults applied: 3 attempts,
// exponential backoff. Guards against hand-edited rows with empty retry JSON.
func (w *Webhook) EffectiveRetry() WebhookRetry {
	r := w.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.Backoff == "" {
		r.Backoff = "exponential"
	}
	return r
}

// Webhook defines an HTTP callout triggered by entity writes.
type Webhook struct {
	ID        string            `json:"id"`
	Entity    string            `json:"entity"`
	Hook      string            `json:"hook"`   // after_write, before_write, after_delete, before_delete
	URL       string            `json:"url"`
	Method    string            `json:"method"` // POST, PUT, PATCH, GET, DELETE
	Headers   map[string]string `json:"headers"`
	Condition string            `json:"condition"` // expression; empty = always fire
	Async     bool              `json:"async"`
	Retry     WebhookRetry      `json:"retry"`
	Active    bool              `json:"active"`

	// CompiledCondition holds the compiled condition program (set lazily, not serialized).
	CompiledCondition any `json:"-"`
}
