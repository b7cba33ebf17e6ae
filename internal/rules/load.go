package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// FieldError describes one invalid field of a rule file.
type FieldError struct {
	Field   string
	Value   any
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("rules.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type fileYAML struct {
	Version  string           `yaml:"version"`
	Fallback []resolutionYAML `yaml:"fallback"`
	Rules    []ruleYAML       `yaml:"rules"`
}

type ruleYAML struct {
	ID          string           `yaml:"id"`
	Match       matchYAML        `yaml:"match"`
	Recipients  []resolutionYAML `yaml:"recipients"`
	Template    string           `yaml:"template"`
	Priority    string           `yaml:"priority"`
	Precedence  int              `yaml:"precedence"`
	RequiresAck bool             `yaml:"requires_ack"`
	AckTimeout  string           `yaml:"ack_timeout"`
	Chain       []stepYAML       `yaml:"chain"`
}

type matchYAML struct {
	Module      string `yaml:"module"`
	Kind        string `yaml:"kind"`
	MinSeverity string `yaml:"min_severity"`
}

type stepYAML struct {
	Delay      string           `yaml:"delay"`
	Recipients []resolutionYAML `yaml:"recipients"`
}

// resolutionYAML is written as a one-key mapping: {role: x}, {user: y} or {dynamic: z}.
type resolutionYAML struct {
	Role    string `yaml:"role"`
	User    string `yaml:"user"`
	Dynamic string `yaml:"dynamic"`
}

// LoadFile reads and compiles a YAML rule file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rs, nil
}

// Load parses and validates a YAML rule set. All validation failures are
// reported together.
func Load(data []byte) (*RuleSet, error) {
	var raw fileYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	var errs []error
	add := func(field string, value any, msg string) {
		errs = append(errs, &FieldError{Field: field, Value: value, Message: msg})
	}

	if strings.TrimSpace(raw.Version) == "" {
		add("version", raw.Version, "must not be empty")
	}

	rs := &RuleSet{Version: raw.Version}

	fallback, err := compileResolutions(raw.Fallback)
	if err != nil {
		add("fallback", raw.Fallback, err.Error())
	}
	rs.Fallback = fallback

	seen := make(map[string]bool)
	needsFallback := false

	for i, rr := range raw.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		r := Rule{
			ID:          rr.ID,
			Template:    rr.Template,
			Precedence:  rr.Precedence,
			RequiresAck: rr.RequiresAck,
			order:       i,
		}

		if rr.ID == "" {
			add(prefix+".id", rr.ID, "must not be empty")
		} else if seen[rr.ID] {
			add(prefix+".id", rr.ID, "duplicate rule id")
		}
		seen[rr.ID] = true

		r.Match.Module = intent.Module(rr.Match.Module)
		if !r.Match.Module.Valid() {
			add(prefix+".match.module", rr.Match.Module, "must be one of: audit, hazard, health, ppe")
		}

		r.Match.Kind = intent.Kind(rr.Match.Kind)
		if r.Match.Kind == "" {
			add(prefix+".match.kind", rr.Match.Kind, "must be an event kind or \"*\"")
		}

		if rr.Match.MinSeverity != "" {
			sev, err := intent.ParseSeverity(rr.Match.MinSeverity)
			if err != nil {
				add(prefix+".match.min_severity", rr.Match.MinSeverity, err.Error())
			}
			r.Match.MinSeverity = sev
		}

		if r.Recipients, err = compileResolutions(rr.Recipients); err != nil {
			add(prefix+".recipients", rr.Recipients, err.Error())
		} else if len(r.Recipients) == 0 {
			add(prefix+".recipients", rr.Recipients, "must not be empty")
		}

		if rr.Template == "" {
			add(prefix+".template", rr.Template, "must not be empty")
		}

		r.InitialPriority = PriorityNormal
		if rr.Priority != "" {
			r.InitialPriority = Priority(strings.ToLower(rr.Priority))
			if !r.InitialPriority.Valid() {
				add(prefix+".priority", rr.Priority, "must be one of: low, normal, high, urgent")
			}
		}

		if rr.AckTimeout != "" {
			d, err := time.ParseDuration(rr.AckTimeout)
			if err != nil || d <= 0 {
				add(prefix+".ack_timeout", rr.AckTimeout, "must be a positive duration")
			}
			r.AckTimeout = d
		} else if rr.RequiresAck {
			add(prefix+".ack_timeout", rr.AckTimeout, "must be set when requires_ack is true")
		}

		if !rr.RequiresAck && len(rr.Chain) > 0 {
			add(prefix+".chain", len(rr.Chain), "escalation chain requires requires_ack: true")
		}

		for j, st := range rr.Chain {
			stepPrefix := fmt.Sprintf("%s.chain[%d]", prefix, j)
			d, err := time.ParseDuration(st.Delay)
			if err != nil || d <= 0 {
				add(stepPrefix+".delay", st.Delay, "must be a positive duration")
			}
			recipients, err := compileResolutions(st.Recipients)
			if err != nil {
				add(stepPrefix+".recipients", st.Recipients, err.Error())
			} else if len(recipients) == 0 {
				add(stepPrefix+".recipients", st.Recipients, "must not be empty")
			}
			r.Chain = append(r.Chain, Step{Delay: d, Recipients: recipients})
		}

		if r.RequiresAck {
			needsFallback = true
		}
		rs.Rules = append(rs.Rules, r)
	}

	if needsFallback && len(rs.Fallback) == 0 {
		add("fallback", nil, "must name the system operator when any rule requires acknowledgement")
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rs, nil
}

func compileResolutions(raw []resolutionYAML) ([]Resolution, error) {
	out := make([]Resolution, 0, len(raw))
	for i, r := range raw {
		var set []Resolution
		if r.Role != "" {
			set = append(set, Resolution{Kind: ResolveRole, Name: r.Role})
		}
		if r.User != "" {
			set = append(set, Resolution{Kind: ResolveUser, Name: r.User})
		}
		if r.Dynamic != "" {
			set = append(set, Resolution{Kind: ResolveDynamic, Name: r.Dynamic})
		}
		if len(set) != 1 {
			return nil, fmt.Errorf("entry %d must set exactly one of role, user, dynamic", i)
		}
		out = append(out, set[0])
	}
	return out, nil
}
