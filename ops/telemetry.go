package ops

import (
	"strings"
	"sync"
	"time"

	"github.com/t402-io/gasless-ops/types"
)

// activeSessionWindow is the default cut-off for "active" session
// counting (section 4.2.4, default 30s).
const activeSessionWindow = 30 * time.Second

// Telemetry maintains session/owner/sender maps and named counters
// (section 4.2.4), all keyed lowercased per spec.
type Telemetry struct {
	mu sync.Mutex

	sessions map[string]types.SessionHeartbeat
	owners   map[string]types.OwnerRecord
	senders  map[string]types.SenderRecord
	ownerSenders map[string]map[string]struct{}
	counters map[string]int64
}

func NewTelemetry() *Telemetry {
	return &Telemetry{
		sessions:     make(map[string]types.SessionHeartbeat),
		owners:       make(map[string]types.OwnerRecord),
		senders:      make(map[string]types.SenderRecord),
		ownerSenders: make(map[string]map[string]struct{}),
		counters:     make(map[string]int64),
	}
}

// Heartbeat records a session ping, upserting owner/sender sighting
// records as a side effect (section 4.2.4).
func (t *Telemetry) Heartbeat(h types.SessionHeartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessionKey := strings.ToLower(h.SessionID)
	now := h.LastSeenMs
	t.sessions[sessionKey] = h

	if h.Owner != "" {
		ownerKey := strings.ToLower(h.Owner)
		rec, ok := t.owners[ownerKey]
		if !ok {
			rec = types.OwnerRecord{Owner: h.Owner, FirstSeenMs: now}
		}
		rec.LastSeenMs = now
		t.owners[ownerKey] = rec
	}

	if h.Sender != "" {
		senderKey := strings.ToLower(h.Sender)
		rec, ok := t.senders[senderKey]
		if !ok {
			rec = types.SenderRecord{Sender: h.Sender, Owner: h.Owner, FirstSeenMs: now}
		}
		rec.LastSeenMs = now
		if h.Owner != "" {
			rec.Owner = h.Owner
		}
		t.senders[senderKey] = rec

		if h.Owner != "" {
			ownerKey := strings.ToLower(h.Owner)
			if t.ownerSenders[ownerKey] == nil {
				t.ownerSenders[ownerKey] = make(map[string]struct{})
			}
			t.ownerSenders[ownerKey][senderKey] = struct{}{}
		}
	}
}

// recognizedCounters are the counter names section 4.2.4 and the
// telemetry/event HTTP route recognize; anything else is a no-op.
var recognizedCounters = map[string]bool{
	"paid_fallback_attempt": true,
	"paid_fallback_success": true,
	"paid_fallback_failure": true,
}

// IncrCounter increments a named counter if recognized.
func (t *Telemetry) IncrCounter(name string) {
	if !recognizedCounters[name] {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[name]++
}

// Counter returns the current value of a named counter.
func (t *Telemetry) Counter(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[name]
}

// ActiveSessions returns the count of sessions seen within the given
// window (section 4.2.4, default 30s via activeSessionWindow).
func (t *Telemetry) ActiveSessions(nowMs int64, window time.Duration) int {
	if window <= 0 {
		window = activeSessionWindow
	}
	cutoff := nowMs - window.Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, s := range t.sessions {
		if s.LastSeenMs >= cutoff {
			count++
		}
	}
	return count
}

// Owners and Senders return a snapshot of observed owner/sender
// records, for the /users route (section 6).
func (t *Telemetry) Owners() []types.OwnerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.OwnerRecord, 0, len(t.owners))
	for _, o := range t.owners {
		out = append(out, o)
	}
	return out
}

func (t *Telemetry) Senders() []types.SenderRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.SenderRecord, 0, len(t.senders))
	for _, s := range t.senders {
		out = append(out, s)
	}
	return out
}

func (t *Telemetry) UniqueOwnerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}
