package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/database"
)

// Duration wraps time.Duration with YAML support for values like "5m" or "2h"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SLATarget is the pair of response-time targets for one severity
type SLATarget struct {
	TTA Duration `yaml:"tta"`
	TTR Duration `yaml:"ttr"`
}

// TargetKind selects how a tier resolves its recipients
type TargetKind string

const (
	// TargetUsers notifies a literal user list
	TargetUsers TargetKind = "users"
	// TargetOnCall notifies whoever holds the named schedule at fire time
	TargetOnCall TargetKind = "oncall"
)

// Channel is a notification channel name
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// KnownChannels lists every channel the dispatcher can route
func KnownChannels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelWebhook, ChannelSlack}
}

// TierTargets names the recipients of one escalation tier
type TierTargets struct {
	Kind     TargetKind `yaml:"kind"`
	Users    []string   `yaml:"users,omitempty"`
	Schedule string     `yaml:"schedule,omitempty"`
}

// Tier is one step of an escalation policy. Delay is measured from
// alert creation, not from the previous tier.
type Tier struct {
	Delay    Duration    `yaml:"delay"`
	Channels []Channel   `yaml:"channels"`
	Targets  TierTargets `yaml:"targets"`
}

// EscalationPolicy is the ordered tier chain for one severity
type EscalationPolicy struct {
	Tiers []Tier `yaml:"tiers"`
}

// GroupingConfig controls occurrence folding
type GroupingConfig struct {
	// Window is the maximum gap between occurrences still considered
	// the same incident.
	Window Duration `yaml:"window"`
	// GracePeriod is how long after the window an idle group stays
	// active before the expiry job closes it.
	GracePeriod Duration `yaml:"grace_period"`
}

// Policy is one immutable configuration snapshot. Never mutated after
// load; PolicyStore swaps whole snapshots atomically.
type Policy struct {
	SLATargets         map[database.Severity]SLATarget        `yaml:"sla_targets"`
	EscalationPolicies map[database.Severity]EscalationPolicy `yaml:"escalation_policies"`
	Grouping           GroupingConfig                         `yaml:"grouping"`
}

// SLATargetFor returns the targets for a severity
func (p *Policy) SLATargetFor(severity database.Severity) (SLATarget, error) {
	t, ok := p.SLATargets[severity]
	if !ok {
		return SLATarget{}, fmt.Errorf("%w: no SLA target for severity %q", apperrors.ErrValidation, severity)
	}
	return t, nil
}

// EscalationPolicyFor returns the tier chain for a severity
func (p *Policy) EscalationPolicyFor(severity database.Severity) (EscalationPolicy, error) {
	ep, ok := p.EscalationPolicies[severity]
	if !ok {
		return EscalationPolicy{}, fmt.Errorf("%w: no escalation policy for severity %q", apperrors.ErrValidation, severity)
	}
	return ep, nil
}

// Validate checks the snapshot is complete and internally consistent.
// Every severity needs an SLA target and an escalation policy so that
// missing-severity is a load-time error, not a runtime nil.
func (p *Policy) Validate() error {
	for _, sev := range database.ValidSeverities() {
		if _, ok := p.SLATargets[sev]; !ok {
			return fmt.Errorf("%w: missing SLA target for severity %q", apperrors.ErrValidation, sev)
		}
		ep, ok := p.EscalationPolicies[sev]
		if !ok {
			return fmt.Errorf("%w: missing escalation policy for severity %q", apperrors.ErrValidation, sev)
		}
		if len(ep.Tiers) == 0 {
			return fmt.Errorf("%w: escalation policy for %q has no tiers", apperrors.ErrValidation, sev)
		}
		prev := Duration(-1)
		for i, tier := range ep.Tiers {
			if tier.Delay < prev {
				return fmt.Errorf("%w: %s tier %d delay decreases", apperrors.ErrValidation, sev, i)
			}
			prev = tier.Delay
			if len(tier.Channels) == 0 {
				return fmt.Errorf("%w: %s tier %d has no channels", apperrors.ErrValidation, sev, i)
			}
			for _, ch := range tier.Channels {
				if !knownChannel(ch) {
					return fmt.Errorf("%w: %s tier %d has unknown channel %q", apperrors.ErrValidation, sev, i, ch)
				}
			}
			switch tier.Targets.Kind {
			case TargetUsers:
				if len(tier.Targets.Users) == 0 {
					return fmt.Errorf("%w: %s tier %d targets no users", apperrors.ErrValidation, sev, i)
				}
			case TargetOnCall:
				if tier.Targets.Schedule == "" {
					return fmt.Errorf("%w: %s tier %d names no schedule", apperrors.ErrValidation, sev, i)
				}
			default:
				return fmt.Errorf("%w: %s tier %d has unknown target kind %q", apperrors.ErrValidation, sev, i, tier.Targets.Kind)
			}
		}
	}
	if p.Grouping.Window <= 0 {
		return fmt.Errorf("%w: grouping window must be positive", apperrors.ErrValidation)
	}
	if p.Grouping.GracePeriod < 0 {
		return fmt.Errorf("%w: grouping grace period must not be negative", apperrors.ErrValidation)
	}
	return nil
}

func knownChannel(ch Channel) bool {
	for _, k := range KnownChannels() {
		if ch == k {
			return true
		}
	}
	return false
}

// DefaultPolicy returns the built-in policy used when no policy file is
// configured: standard severity ladder, single email tier escalating to
// sms and webhook for the urgent severities.
func DefaultPolicy() *Policy {
	mk := func(tiers ...Tier) EscalationPolicy {
		return EscalationPolicy{Tiers: tiers}
	}
	oncall := TierTargets{Kind: TargetOnCall, Schedule: "primary"}

	return &Policy{
		SLATargets: map[database.Severity]SLATarget{
			database.SeverityCritical: {TTA: Duration(5 * time.Minute), TTR: Duration(30 * time.Minute)},
			database.SeverityHigh:     {TTA: Duration(15 * time.Minute), TTR: Duration(2 * time.Hour)},
			database.SeverityMedium:   {TTA: Duration(time.Hour), TTR: Duration(8 * time.Hour)},
			database.SeverityLow:      {TTA: Duration(4 * time.Hour), TTR: Duration(24 * time.Hour)},
			database.SeverityInfo:     {TTA: Duration(24 * time.Hour), TTR: Duration(7 * 24 * time.Hour)},
		},
		EscalationPolicies: map[database.Severity]EscalationPolicy{
			database.SeverityCritical: mk(
				Tier{Delay: 0, Channels: []Channel{ChannelEmail, ChannelSlack}, Targets: oncall},
				Tier{Delay: Duration(5 * time.Minute), Channels: []Channel{ChannelSMS}, Targets: oncall},
				Tier{Delay: Duration(15 * time.Minute), Channels: []Channel{ChannelWebhook}, Targets: oncall},
			),
			database.SeverityHigh: mk(
				Tier{Delay: 0, Channels: []Channel{ChannelEmail}, Targets: oncall},
				Tier{Delay: Duration(15 * time.Minute), Channels: []Channel{ChannelSMS}, Targets: oncall},
			),
			database.SeverityMedium: mk(
				Tier{Delay: 0, Channels: []Channel{ChannelEmail}, Targets: oncall},
			),
			database.SeverityLow: mk(
				Tier{Delay: 0, Channels: []Channel{ChannelEmail}, Targets: oncall},
			),
			database.SeverityInfo: mk(
				Tier{Delay: 0, Channels: []Channel{ChannelEmail}, Targets: oncall},
			),
		},
		Grouping: GroupingConfig{
			Window:      Duration(5 * time.Minute),
			GracePeriod: Duration(30 * time.Minute),
		},
	}
}

// LoadPolicy reads and validates a policy snapshot from a YAML file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// PolicyStore holds the current policy snapshot. Readers get a
// consistent immutable snapshot; Reload swaps in a new one atomically
// so updates never mutate configuration in flight.
type PolicyStore struct {
	path    string
	current atomic.Pointer[Policy]
}

// NewPolicyStore loads the initial snapshot from path, or the built-in
// defaults when path is empty.
func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path}

	var p *Policy
	if path == "" {
		p = DefaultPolicy()
		if err := p.Validate(); err != nil {
			return nil, err
		}
	} else {
		loaded, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	s.current.Store(p)
	return s, nil
}

// NewStaticPolicyStore wraps an in-memory snapshot. Reload is a no-op;
// used where the policy is assembled programmatically.
func NewStaticPolicyStore(p *Policy) (*PolicyStore, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &PolicyStore{}
	s.current.Store(p)
	return s, nil
}

// Current returns the live snapshot
func (s *PolicyStore) Current() *Policy {
	return s.current.Load()
}

// Reload re-reads the policy file and swaps the snapshot. A validation
// failure leaves the previous snapshot in place.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		return err
	}
	s.current.Store(p)
	return nil
}
