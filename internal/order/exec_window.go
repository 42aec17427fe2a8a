package order

import (
	"fmt"
	"strconv"
	"strings"

	"xtp-bridge/pkg/venue"
)

// ExecPolicy selects how an execution is identified on an exchange.
type ExecPolicy uint8

const (
	// PolicyExecID uses the venue-assigned execution id.
	PolicyExecID ExecPolicy = iota
	// PolicyReportIndex uses market plus report index.
	PolicyReportIndex
)

// ParseExecPolicy reads "exec_id" or "report_index".
func ParseExecPolicy(s string) (ExecPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exec_id", "":
		return PolicyExecID, nil
	case "report_index":
		return PolicyReportIndex, nil
	default:
		return 0, fmt.Errorf("unknown execution id policy %q", s)
	}
}

func (p ExecPolicy) String() string {
	if p == PolicyReportIndex {
		return "report_index"
	}
	return "exec_id"
}

// ExecPolicies maps exchange codes to their policy.
type ExecPolicies map[string]ExecPolicy

// NewExecPolicies builds the table from exchange -> policy name pairs.
func NewExecPolicies(raw map[string]string) (ExecPolicies, error) {
	out := make(ExecPolicies, len(raw))
	for ex, name := range raw {
		p, err := ParseExecPolicy(name)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", ex, err)
		}
		out[strings.ToUpper(ex)] = p
	}
	return out, nil
}

// Key returns the execution identity of tr. Exchanges not in the table use
// the execution id. When the field the policy names is missing the other one
// identifies the execution.
func (p ExecPolicies) Key(tr venue.TradeReport) string {
	ex := strings.ToUpper(tr.Exchange)
	byIndex := tr.ReportIndex > 0 && (p[ex] == PolicyReportIndex || tr.ExecID == "")
	if byIndex {
		return ex + ":" + strconv.FormatInt(tr.ReportIndex, 10)
	}
	return tr.ExecID
}

// ExecWindow remembers the most recent execution keys of one order.
type ExecWindow struct {
	keys []string
	seen map[string]struct{}
	next int
	full bool
}

// NewExecWindow returns a window holding at most size keys.
func NewExecWindow(size int) *ExecWindow {
	if size <= 0 {
		size = 64
	}
	return &ExecWindow{keys: make([]string, size), seen: make(map[string]struct{}, size)}
}

// Seen reports whether key is in the window.
func (w *ExecWindow) Seen(key string) bool {
	_, ok := w.seen[key]
	return ok
}

// Add records key, evicting the oldest once the window is full. It returns
// false when key was already present.
func (w *ExecWindow) Add(key string) bool {
	if w.Seen(key) {
		return false
	}
	if w.full {
		delete(w.seen, w.keys[w.next])
	}
	w.keys[w.next] = key
	w.seen[key] = struct{}{}
	w.next++
	if w.next == len(w.keys) {
		w.next = 0
		w.full = true
	}
	return true
}

// Len is the number of keys held.
func (w *ExecWindow) Len() int { return len(w.seen) }
