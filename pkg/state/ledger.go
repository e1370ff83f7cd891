// Package state holds the plain-data session model that the Director mutates
// once per turn: the protagonist's bounded numeric [Ledger] and the character
// relationship [Graph].
//
// Everything here is pure data plus pure merge functions. Nothing in this
// package is safe for concurrent mutation; callers serialise access.
package state

// Ledger bounds. Every field of a [Ledger] is clamped into [LedgerMin, LedgerMax]
// after each merge.
const (
	LedgerMin = 0.0
	LedgerMax = 100.0
)

// Ledger is the fixed set of named psychological/physical dimensions that
// describe the protagonist. Each field lives in [LedgerMin, LedgerMax].
type Ledger struct {
	TraumaLevel     float64 `json:"traumaLevel"`
	ComplianceScore float64 `json:"complianceScore"`
	HopeLevel       float64 `json:"hopeLevel"`
	FearLevel       float64 `json:"fearLevel"`
	FatigueLevel    float64 `json:"fatigueLevel"`
	SanityLevel     float64 `json:"sanityLevel"`
	TrustLevel      float64 `json:"trustLevel"`
}

// DefaultLedger returns the ledger every new game starts from.
func DefaultLedger() Ledger {
	return Ledger{
		TraumaLevel:     0,
		ComplianceScore: 0,
		HopeLevel:       100,
		FearLevel:       0,
		FatigueLevel:    0,
		SanityLevel:     100,
		TrustLevel:      50,
	}
}

// LedgerDelta is a partial ledger update emitted by the Director. A nil field
// leaves the corresponding ledger field unchanged; a non-nil field replaces it.
type LedgerDelta struct {
	TraumaLevel     *float64 `json:"traumaLevel,omitempty"`
	ComplianceScore *float64 `json:"complianceScore,omitempty"`
	HopeLevel       *float64 `json:"hopeLevel,omitempty"`
	FearLevel       *float64 `json:"fearLevel,omitempty"`
	FatigueLevel    *float64 `json:"fatigueLevel,omitempty"`
	SanityLevel     *float64 `json:"sanityLevel,omitempty"`
	TrustLevel      *float64 `json:"trustLevel,omitempty"`
}

// IsEmpty reports whether the delta carries no updates.
func (d LedgerDelta) IsEmpty() bool {
	return d.TraumaLevel == nil && d.ComplianceScore == nil && d.HopeLevel == nil &&
		d.FearLevel == nil && d.FatigueLevel == nil && d.SanityLevel == nil &&
		d.TrustLevel == nil
}

// field pairs a ledger field with its delta counterpart so merge and clamp
// can walk all dimensions without reflection.
type field struct {
	name  string
	value *float64
	delta *float64
}

func (l *Ledger) fields(d *LedgerDelta) []field {
	if d == nil {
		d = &LedgerDelta{}
	}
	return []field{
		{"traumaLevel", &l.TraumaLevel, d.TraumaLevel},
		{"complianceScore", &l.ComplianceScore, d.ComplianceScore},
		{"hopeLevel", &l.HopeLevel, d.HopeLevel},
		{"fearLevel", &l.FearLevel, d.FearLevel},
		{"fatigueLevel", &l.FatigueLevel, d.FatigueLevel},
		{"sanityLevel", &l.SanityLevel, d.SanityLevel},
		{"trustLevel", &l.TrustLevel, d.TrustLevel},
	}
}

// Values returns the ledger as a name → value map, in the JSON field names.
// Useful for logging and prompt construction.
func (l Ledger) Values() map[string]float64 {
	out := make(map[string]float64, 7)
	for _, f := range l.fields(nil) {
		out[f.name] = *f.value
	}
	return out
}

// Clamp returns a copy of l with every field forced into [LedgerMin, LedgerMax].
func (l Ledger) Clamp() Ledger {
	for _, f := range l.fields(nil) {
		*f.value = clamp(*f.value)
	}
	return l
}

// MergeLedgerDelta applies delta to current: each field present in delta
// overwrites the current value, then every field is clamped. The input is not
// modified.
func MergeLedgerDelta(current Ledger, delta LedgerDelta) Ledger {
	next := current
	for _, f := range next.fields(&delta) {
		if f.delta != nil {
			*f.value = *f.delta
		}
		*f.value = clamp(*f.value)
	}
	return next
}

func clamp(v float64) float64 {
	// NaN compares false against both bounds; treat it as the floor.
	if v != v || v < LedgerMin {
		return LedgerMin
	}
	if v > LedgerMax {
		return LedgerMax
	}
	return v
}

// Float is a helper for building [LedgerDelta] literals.
func Float(v float64) *float64 { return &v }
