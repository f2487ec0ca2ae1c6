package bizguard

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// CONDITIONS (time window, amount thresholds, IP allow-list)
// ============================================================================

const secondsPerDay = 24 * 60 * 60

// TimeWindow restricts a policy to a time-of-day range in "HH:MM" form.
// A window whose start is after its end wraps over midnight.
type TimeWindow struct {
	Start string `json:"start" yaml:"start" msgpack:"start"`
	End   string `json:"end" yaml:"end" msgpack:"end"`
}

// Condition is the optional predicate attached to a policy. Every populated
// clause must hold for the policy to apply.
type Condition struct {
	Window     *TimeWindow `json:"window,omitempty"`
	MinAmount  *float64    `json:"min_amount,omitempty"`
	MaxAmount  *float64    `json:"max_amount,omitempty"`
	AllowCIDRs []string    `json:"allow_cidrs,omitempty"`
}

// IsZero reports whether the condition has no clauses.
func (c *Condition) IsZero() bool {
	return c == nil || (c.Window == nil && c.MinAmount == nil && c.MaxAmount == nil && len(c.AllowCIDRs) == 0)
}

// Clone returns a deep copy.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	dup := &Condition{}
	if c.Window != nil {
		w := *c.Window
		dup.Window = &w
	}
	if c.MinAmount != nil {
		dup.MinAmount = Amount(*c.MinAmount)
	}
	if c.MaxAmount != nil {
		dup.MaxAmount = Amount(*c.MaxAmount)
	}
	if len(c.AllowCIDRs) > 0 {
		dup.AllowCIDRs = append([]string(nil), c.AllowCIDRs...)
	}
	return dup
}

// String renders the condition in the compact form accepted by ParseCondition.
func (c *Condition) String() string {
	if c.IsZero() {
		return ""
	}
	parts := make([]string, 0, 4)
	if c.Window != nil {
		parts = append(parts, fmt.Sprintf("time between %s-%s", normalizeClock(c.Window.Start), normalizeClock(c.Window.End)))
	}
	if c.MinAmount != nil {
		parts = append(parts, "amount >= "+strconv.FormatFloat(*c.MinAmount, 'f', -1, 64))
	}
	if c.MaxAmount != nil {
		parts = append(parts, "amount <= "+strconv.FormatFloat(*c.MaxAmount, 'f', -1, 64))
	}
	if len(c.AllowCIDRs) > 0 {
		parts = append(parts, "ip in ["+strings.Join(c.AllowCIDRs, ",")+"]")
	}
	return strings.Join(parts, " and ")
}

// Validate checks that every clause is well formed.
func (c *Condition) Validate() error {
	_, err := compileCondition(c)
	return err
}

// compiledCondition is the pre-parsed form used on the evaluation hot path.
type compiledCondition struct {
	hasWindow  bool
	startMin   int
	endMin     int
	minAmount  *float64
	maxAmount  *float64
	nets       []*net.IPNet
	ipRequired bool
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func compileCondition(c *Condition) (*compiledCondition, error) {
	if c.IsZero() {
		return nil, nil
	}
	cc := &compiledCondition{minAmount: c.MinAmount, maxAmount: c.MaxAmount}
	if c.Window != nil {
		start, err := parseClock(c.Window.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(c.Window.End)
		if err != nil {
			return nil, err
		}
		cc.hasWindow, cc.startMin, cc.endMin = true, start, end
	}
	for _, bound := range []*float64{c.MinAmount, c.MaxAmount} {
		if bound != nil && (math.IsNaN(*bound) || math.IsInf(*bound, 0)) {
			return nil, fmt.Errorf("amount bound %v is not a finite number", *bound)
		}
	}
	if c.MinAmount != nil && c.MaxAmount != nil && *c.MinAmount > *c.MaxAmount {
		return nil, fmt.Errorf("amount floor %v above ceiling %v", *c.MinAmount, *c.MaxAmount)
	}
	for _, cidr := range c.AllowCIDRs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("bad cidr %q: %w", cidr, err)
		}
		cc.nets = append(cc.nets, n)
	}
	cc.ipRequired = len(cc.nets) > 0
	return cc, nil
}

// segments returns the window as non-wrapping [from,to] second-of-day ranges,
// widened by skew on both ends. A nil result means the whole day.
func (cc *compiledCondition) segments(skew time.Duration) [][2]int {
	pad := int(skew / time.Second)
	start := cc.startMin*60 - pad
	end := cc.endMin*60 + 59 + pad
	if cc.startMin > cc.endMin {
		end += secondsPerDay
	}
	if end-start+1 >= secondsPerDay {
		return nil
	}
	start = ((start % secondsPerDay) + secondsPerDay) % secondsPerDay
	end = ((end % secondsPerDay) + secondsPerDay) % secondsPerDay
	if start <= end {
		return [][2]int{{start, end}}
	}
	return [][2]int{{start, secondsPerDay - 1}, {0, end}}
}

// matches evaluates the condition against req. A clause whose input is absent
// from the request yields missingResult, so callers can fail closed for
// either effect.
func (cc *compiledCondition) matches(req *RequestContext, skew time.Duration, missingResult bool) bool {
	if cc == nil {
		return true
	}
	if cc.hasWindow {
		if req == nil || req.Time.IsZero() {
			if !missingResult {
				return false
			}
		} else if segs := cc.segments(skew); segs != nil {
			sec := req.Time.Hour()*3600 + req.Time.Minute()*60 + req.Time.Second()
			in := false
			for _, s := range segs {
				if sec >= s[0] && sec <= s[1] {
					in = true
					break
				}
			}
			if !in {
				return false
			}
		}
	}
	if cc.minAmount != nil || cc.maxAmount != nil {
		if req == nil || req.Amount == nil {
			if !missingResult {
				return false
			}
		} else {
			if cc.minAmount != nil && *req.Amount < *cc.minAmount {
				return false
			}
			if cc.maxAmount != nil && *req.Amount > *cc.maxAmount {
				return false
			}
		}
	}
	if cc.ipRequired {
		if req == nil || req.IP == nil {
			if !missingResult {
				return false
			}
		} else {
			found := false
			for _, n := range cc.nets {
				if n.Contains(req.IP) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// conditionsOverlap reports whether some request could satisfy both a and b.
// Malformed conditions are treated as overlapping so they get reported.
func conditionsOverlap(a, b *Condition) bool {
	ca, errA := compileCondition(a)
	cb, errB := compileCondition(b)
	if errA != nil || errB != nil || ca == nil || cb == nil {
		return true
	}
	if ca.hasWindow && cb.hasWindow && !windowsOverlap(ca.segments(0), cb.segments(0)) {
		return false
	}
	if !amountsOverlap(ca, cb) {
		return false
	}
	if ca.ipRequired && cb.ipRequired && !netsOverlap(ca.nets, cb.nets) {
		return false
	}
	return true
}

func windowsOverlap(a, b [][2]int) bool {
	if a == nil || b == nil {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x[0] <= y[1] && y[0] <= x[1] {
				return true
			}
		}
	}
	return false
}

func amountsOverlap(a, b *compiledCondition) bool {
	lo, hi := boundLow(a.minAmount), boundHigh(a.maxAmount)
	lo2, hi2 := boundLow(b.minAmount), boundHigh(b.maxAmount)
	if lo2 > lo {
		lo = lo2
	}
	if hi2 < hi {
		hi = hi2
	}
	return lo <= hi
}

func boundLow(v *float64) float64 {
	if v == nil {
		return -1 << 62
	}
	return *v
}

func boundHigh(v *float64) float64 {
	if v == nil {
		return 1 << 62
	}
	return *v
}

func netsOverlap(a, b []*net.IPNet) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Contains(y.IP) || y.Contains(x.IP) {
				return true
			}
		}
	}
	return false
}
