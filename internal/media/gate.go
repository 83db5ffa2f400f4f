package media

const (
	// DefaultTransportLimit is used when the transport cannot report a limit.
	DefaultTransportLimit int64 = 1 << 20
	// DefaultStripHeight is the pixel height of each partition.
	DefaultStripHeight = 2048
)

// inlineHeadroom covers the data URI prefix wrapped around inline payloads.
const inlineHeadroom = 64

// GateConfig holds the tunables of the size gate.
type GateConfig struct {
	StripHeight            int
	TransportLimitFallback int64
	// InlineOnly marks a transport that carries units as base64 data URIs,
	// so the raw byte budget is scaled down to 3/4 of the limit.
	InlineOnly bool
}

func (c GateConfig) withDefaults() GateConfig {
	if c.StripHeight <= 0 {
		c.StripHeight = DefaultStripHeight
	}
	if c.TransportLimitFallback <= 0 {
		c.TransportLimitFallback = DefaultTransportLimit
	}
	return c
}

// Decision is the outcome of the size gate.
type Decision struct {
	Whole       bool
	StripHeight int   // set when Whole is false
	Limit       int64 // effective limit after fallback
	LimitKnown  bool
	Budget      int64 // raw bytes a single unit may carry under Limit
}

// InlineBudget returns the largest raw payload whose base64 data URI
// still fits within limit.
func InlineBudget(limit int64) int64 {
	b := (limit - inlineHeadroom) / 4 * 3
	if b < 1 {
		return 1
	}
	return b
}

// Decide chooses between sending the asset whole and partitioning it.
// A limit <= 0 means the transport did not report one.
func Decide(a *Asset, limit int64, cfg GateConfig) Decision {
	cfg = cfg.withDefaults()
	d := Decision{Limit: limit, LimitKnown: limit > 0}
	if !d.LimitKnown {
		d.Limit = cfg.TransportLimitFallback
	}
	d.Budget = d.Limit
	if cfg.InlineOnly {
		d.Budget = InlineBudget(d.Limit)
	}
	if a.ByteSize <= d.Budget {
		d.Whole = true
		return d
	}
	d.StripHeight = cfg.StripHeight
	return d
}
