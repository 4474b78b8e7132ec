package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stellar/go/amount"
)

// Duration wraps time.Duration to support TOML unmarshalling of strings such
// as "36h".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// MinFundingWindow is the shortest funding window a policy may declare. The
// funding transaction is signed and submitted during setup, inside it.
const MinFundingWindow = 5 * time.Minute

// Weights are the signer weights registered on every escrow account.
type Weights struct {
	Operator uint8 `toml:"operator"`
	Buyer    uint8 `toml:"buyer"`
	// Seller weight is granted by the handoff outcome, not at setup. Added
	// to the operator's pre-signature it must stay below every threshold.
	Seller uint8 `toml:"seller"`
}

// Thresholds are the escrow account's threshold tiers.
type Thresholds struct {
	Low    uint8 `toml:"low"`
	Medium uint8 `toml:"medium"`
	High   uint8 `toml:"high"`
}

// Windows are the lengths of consecutive outcome windows, starting at setup.
type Windows struct {
	Funding    Duration `toml:"funding"`
	Service    Duration `toml:"service"`
	Refund     Duration `toml:"refund"`
	Receipt    Duration `toml:"receipt"`
	Escalation Duration `toml:"escalation"`
	Award      Duration `toml:"award"`
	Reimburse  Duration `toml:"reimburse"`
}

// Policy holds the constants every contract is built with.
type Policy struct {
	BootstrapFunding string     `toml:"bootstrap_funding"`
	Weights          Weights    `toml:"weights"`
	Thresholds       Thresholds `toml:"thresholds"`
	Windows          Windows    `toml:"windows"`
}

// DefaultPolicy returns the operator 3 / buyer 3 / seller 1 / thresholds 6
// scheme with a 5 unit bootstrap balance.
func DefaultPolicy() Policy {
	return Policy{
		BootstrapFunding: "5",
		Weights:          Weights{Operator: 3, Buyer: 3, Seller: 1},
		Thresholds:       Thresholds{Low: 6, Medium: 6, High: 6},
		Windows: Windows{
			Funding:    Duration{24 * time.Hour},
			Service:    Duration{14 * 24 * time.Hour},
			Refund:     Duration{7 * 24 * time.Hour},
			Receipt:    Duration{7 * 24 * time.Hour},
			Escalation: Duration{2 * 24 * time.Hour},
			Award:      Duration{7 * 24 * time.Hour},
			Reimburse:  Duration{7 * 24 * time.Hour},
		},
	}
}

// LoadPolicy decodes a TOML policy file. Keys absent from the file keep
// their default values.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if _, err := toml.DecodeFile(path, &policy); err != nil {
		return Policy{}, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// DecodePolicy is LoadPolicy for an in-memory document.
func DecodePolicy(doc string) (Policy, error) {
	policy := DefaultPolicy()
	if _, err := toml.Decode(doc, &policy); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate rejects policies whose thresholds cannot be reached by the
// intended principals, or can be reached by a single principal. Every
// later outcome carries the operator's pre-signature, so the seller's
// weight plus the operator's must not reach the low threshold either.
func (p Policy) Validate() error {
	bootstrap, err := amount.Parse(strings.TrimSpace(p.BootstrapFunding))
	if err != nil || bootstrap <= 0 {
		return fmt.Errorf("%w: bootstrap_funding %q must be a positive amount", ErrInvalidPolicy, p.BootstrapFunding)
	}
	w, t := p.Weights, p.Thresholds
	if w.Operator == 0 || w.Buyer == 0 {
		return fmt.Errorf("%w: operator and buyer weights must be positive", ErrInvalidPolicy)
	}
	if t.Low == 0 || t.Medium == 0 || t.High == 0 {
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidPolicy)
	}
	if t.Low > t.Medium || t.Medium > t.High {
		return fmt.Errorf("%w: thresholds must satisfy low <= medium <= high", ErrInvalidPolicy)
	}
	pair := int(w.Operator) + int(w.Buyer)
	if pair > 255 {
		return fmt.Errorf("%w: operator+buyer weight %d exceeds 255", ErrInvalidPolicy, pair)
	}
	if pair < int(t.High) {
		return fmt.Errorf("%w: operator+buyer weight %d cannot reach high threshold %d", ErrInvalidPolicy, pair, t.High)
	}
	for _, principal := range []struct {
		name   string
		weight uint8
	}{{"operator", w.Operator}, {"buyer", w.Buyer}, {"seller", w.Seller}} {
		if principal.weight >= t.Low {
			return fmt.Errorf("%w: %s weight %d alone reaches the low threshold %d", ErrInvalidPolicy, principal.name, principal.weight, t.Low)
		}
	}
	if sellerPair := int(w.Operator) + int(w.Seller); sellerPair >= int(t.Low) {
		return fmt.Errorf("%w: operator+seller weight %d reaches the low threshold %d without the buyer", ErrInvalidPolicy, sellerPair, t.Low)
	}
	if p.Windows.Funding.Duration < MinFundingWindow {
		return fmt.Errorf("%w: funding window %s is shorter than %s", ErrInvalidPolicy, p.Windows.Funding.Duration, MinFundingWindow)
	}
	for _, window := range []struct {
		name string
		d    Duration
	}{
		{"funding", p.Windows.Funding},
		{"service", p.Windows.Service},
		{"refund", p.Windows.Refund},
		{"receipt", p.Windows.Receipt},
		{"escalation", p.Windows.Escalation},
		{"award", p.Windows.Award},
		{"reimburse", p.Windows.Reimburse},
	} {
		if window.d.Duration < time.Second {
			return fmt.Errorf("%w: %s window must be at least 1s", ErrInvalidPolicy, window.name)
		}
	}
	return nil
}
