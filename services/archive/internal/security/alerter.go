// Package security counts rejected security events per client IP and flags
// bursts that cross a per-event threshold.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow bumps a window counter, arming its expiry on first use.
var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Rule is the burst limit for one rejected event.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// DefaultRules covers the events the archive server audits as rejected:
// bad tokens, foreign wizard or story access, and AI quota exhaustion.
var DefaultRules = map[string]Rule{
	"token_verify":  {Threshold: 25, Window: 5 * time.Minute},
	"wizard_access": {Threshold: 10, Window: 5 * time.Minute},
	"story_delete":  {Threshold: 10, Window: 5 * time.Minute},
	"ai_rate_limit": {Threshold: 20, Window: time.Minute},
}

// AlertResult is the state of one event's current window after Observe.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter keeps fixed-window counters in Redis, keyed by event and IP,
// so every replica contributes to the same count.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	rules  map[string]Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil without a Redis address; a nil alerter
// observes nothing.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "archive:alerts"
	}
	return &AuditAlerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		rules:  DefaultRules,
		now:    time.Now,
	}
}

// Observe counts one audited event. Only rejected outcomes of events with a
// rule are counted; everything else returns a zero result.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil || a.client == nil || strings.TrimSpace(outcome) != "rejected" {
		return AlertResult{}, nil
	}
	event = strings.TrimSpace(event)
	rule, ok := a.rules[event]
	if !ok || rule.Threshold <= 0 || rule.Window <= 0 {
		return AlertResult{}, nil
	}

	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%d", a.prefix, keySegment(event), keySegment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := incrWindow.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return AlertResult{}, fmt.Errorf("count %s: %w", event, err)
	}
	return AlertResult{
		Triggered: count >= rule.Threshold,
		Count:     count,
		Threshold: rule.Threshold,
		Window:    rule.Window,
	}, nil
}

func (a *AuditAlerter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

var keyEscaper = strings.NewReplacer(":", "_", "|", "_", " ", "_")

func keySegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return keyEscaper.Replace(s)
}
