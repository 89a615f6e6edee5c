package main

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LoadPolicies loads a policy file. JSON and YAML are both accepted.
func LoadPolicies(fs afero.Fs, path string) ([]Policy, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read policy file %s", path)
	}

	policies, err := ParsePolicies(data)
	if err != nil {
		return nil, errors.Wrapf(err, "policy file %s", path)
	}
	return policies, nil
}

// ParsePolicies decodes and validates a policy document.
func ParsePolicies(data []byte) ([]Policy, error) {
	var policies []Policy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, errors.Wrap(err, "failed to decode policies")
	}

	for i := range policies {
		if err := policies[i].normalize(); err != nil {
			return nil, errors.Wrapf(err, "policy %d", i)
		}
	}
	return policies, nil
}

func (p *Policy) normalize() error {
	p.Subnet = strings.TrimSpace(p.Subnet)
	if p.Subnet == "" {
		return fmt.Errorf("subnet is required")
	}

	for i := range p.Ingress {
		rule := &p.Ingress[i]
		rule.Protocol = Protocol(strings.ToLower(string(rule.Protocol)))
		rule.Action = Action(strings.ToLower(string(rule.Action)))

		switch rule.Protocol {
		case ProtocolTCP, ProtocolUDP:
		default:
			return fmt.Errorf("ingress rule %d: invalid protocol %q", i, rule.Protocol)
		}
		switch rule.Action {
		case ActionAllow, ActionDeny:
		default:
			return fmt.Errorf("ingress rule %d: invalid action %q", i, rule.Action)
		}
		if rule.Port < 1 || rule.Port > 65535 {
			return fmt.Errorf("ingress rule %d: invalid port %d", i, rule.Port)
		}
	}
	return nil
}
