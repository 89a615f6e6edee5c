package main

import (
	"log/slog"
	"strconv"

	"github.com/pkg/errors"
)

const iptablesRuleAbsent = 1

// RuleManager installs NAT and filter rules with check-then-add, so a rule
// is never duplicated.
type RuleManager struct {
	exec Executor
	log  *slog.Logger
}

// NewRuleManager returns a rule manager issuing commands through exec.
func NewRuleManager(exec Executor, log *slog.Logger) *RuleManager {
	return &RuleManager{exec: exec, log: log}
}

func (r *RuleManager) iptables(ns string, args ...string) error {
	if ns == "" {
		_, err := r.exec.Execute("iptables", args...)
		return err
	}
	_, err := r.exec.Execute("ip", append([]string{"netns", "exec", ns, "iptables"}, args...)...)
	return err
}

// ensure appends rule to table/chain in ns unless an identical rule exists.
func (r *RuleManager) ensure(ns, table, chain string, rule ...string) error {
	check := append([]string{"-t", table, "-C", chain}, rule...)
	err := r.iptables(ns, check...)
	if err == nil {
		r.log.Debug("Rule already present", "ns", ns, "table", table, "chain", chain, "rule", rule)
		return nil
	}
	if exitStatus(err) != iptablesRuleAbsent {
		return errors.Wrapf(err, "failed to check %s rule in %s", table, chain)
	}

	r.log.Info("Adding rule", "ns", ns, "table", table, "chain", chain, "rule", rule)
	add := append([]string{"-t", table, "-A", chain}, rule...)
	if err := r.iptables(ns, add...); err != nil {
		return errors.Wrapf(err, "failed to add %s rule to %s", table, chain)
	}
	return nil
}

// EnableForwarding turns on IPv4 forwarding for the host.
func (r *RuleManager) EnableForwarding() error {
	if _, err := r.exec.Execute("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return errors.Wrap(err, "failed to enable ip forwarding")
	}
	return nil
}

// EnsureNAT masquerades traffic from cidr leaving through iface.
func (r *RuleManager) EnsureNAT(cidr, iface string) error {
	return r.ensure("", "nat", "POSTROUTING", "-s", cidr, "-o", iface, "-j", "MASQUERADE")
}

// EnsureForward allows forwarding from bridge in to bridge out.
func (r *RuleManager) EnsureForward(in, out string) error {
	return r.ensure("", "filter", "FORWARD", "-i", in, "-o", out, "-j", "ACCEPT")
}

// ApplyIngress appends the ingress rules to the INPUT chain of ns. Rules
// applied by an earlier run are left in place, even if no longer listed.
func (r *RuleManager) ApplyIngress(ns string, rules []IngressRule) error {
	for _, rule := range rules {
		target := "DROP"
		if rule.Action == ActionAllow {
			target = "ACCEPT"
		}
		if err := r.ensure(ns, "filter", "INPUT",
			"-p", string(rule.Protocol), "--dport", strconv.Itoa(rule.Port), "-j", target); err != nil {
			return errors.Wrapf(err, "namespace %s", ns)
		}
	}
	return nil
}

// FlushAll flushes every NAT and filter rule on the host, not only the
// ones written for a particular VPC.
func (r *RuleManager) FlushAll() error {
	r.log.Warn("Flushing all host NAT and filter rules, including rules of other VPCs")
	if err := r.iptables("", "-t", "nat", "-F"); err != nil {
		return errors.Wrap(err, "failed to flush nat table")
	}
	if err := r.iptables("", "-t", "filter", "-F"); err != nil {
		return errors.Wrap(err, "failed to flush filter table")
	}
	return nil
}
