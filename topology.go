package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Topology sequences the allocator, namer, provisioner, rule manager and
// peering synthesizer into the VPC lifecycle operations. It keeps no state
// of its own: the host network configuration is the source of truth.
type Topology struct {
	namer   *Namer
	links   *LinkProvisioner
	rules   *RuleManager
	inspect *HostInspector
	peering *PeeringSynthesizer
	store   *Store
	log     *slog.Logger
}

// NewTopology creates a new topology reconciler.
func NewTopology(exec Executor, store *Store, log *slog.Logger) *Topology {
	namer := NewNamer()
	inspect := NewHostInspector(exec)
	links := NewLinkProvisioner(exec, inspect, log)
	rules := NewRuleManager(exec, log)

	return &Topology{
		namer:   namer,
		links:   links,
		rules:   rules,
		inspect: inspect,
		peering: NewPeeringSynthesizer(namer, links, rules, inspect, log),
		store:   store,
		log:     log,
	}
}

// CreateVPC creates the bridge of a VPC and, if egress is set, the NAT rule
// for its block.
func (t *Topology) CreateVPC(name, block, egress string) error {
	if err := ValidateName("vpc", name); err != nil {
		return err
	}
	if err := ValidateVPCBlock(block); err != nil {
		return err
	}
	network, _ := parseIPv4CIDR(block)

	existing, found, err := t.store.Load(name)
	if err != nil {
		return err
	}
	if found && existing.CIDR != "" && existing.CIDR != network.String() {
		return fmt.Errorf("vpc %s already exists with cidr %s", name, existing.CIDR)
	}

	bridge, err := t.namer.Bridge(name)
	if err != nil {
		return err
	}

	t.log.Info("Creating vpc", "vpc", name, "cidr", network, "bridge", bridge, "egress", egress)
	if err := t.links.EnsureBridge(bridge, vpcOwner(name)); err != nil {
		return err
	}

	vpc := VPC{Name: name, CIDR: network.String(), PublicInterface: egress}
	if err := t.store.Save(vpc); err != nil {
		return err
	}

	if err := t.rules.EnableForwarding(); err != nil {
		return err
	}
	if egress != "" {
		if err := t.rules.EnsureNAT(vpc.CIDR, egress); err != nil {
			return err
		}
	}

	return nil
}

// AddSubnet creates a subnet namespace inside vpc and wires it to the VPC
// bridge. block is either the VPC block, from which the role picks a
// fixed /24, or an explicit subnet.
func (t *Topology) AddSubnet(vpc, name string, role Role, block string) (Subnet, error) {
	if err := ValidateName("vpc", vpc); err != nil {
		return Subnet{}, err
	}
	if err := ValidateName("subnet", name); err != nil {
		return Subnet{}, err
	}

	meta, _, err := t.store.Load(vpc)
	if err != nil {
		return Subnet{}, err
	}
	alloc, err := AllocateSubnet(block, role, meta.CIDR)
	if err != nil {
		return Subnet{}, err
	}
	subnet := Subnet{VPC: vpc, Name: name, Role: role, Allocation: alloc}

	bridge, err := t.namer.Bridge(vpc)
	if err != nil {
		return Subnet{}, err
	}
	exists, err := t.links.BridgeExists(bridge)
	if err != nil {
		return Subnet{}, err
	}
	if !exists {
		return Subnet{}, &PrecursorMissingError{Op: "add-subnet", Missing: fmt.Sprintf("bridge %s of vpc %s", bridge, vpc)}
	}

	if err := t.checkOverlap(subnet); err != nil {
		return Subnet{}, err
	}

	names, err := t.namer.SubnetLink(vpc, name)
	if err != nil {
		return Subnet{}, err
	}
	ns := subnet.Namespace()

	t.log.Info("Adding subnet", "vpc", vpc, "subnet", name, "role", role, "cidr", alloc.Subnet, "ns", ns)

	if err := t.links.EnsureNamespace(ns); err != nil {
		return Subnet{}, err
	}
	if err := t.links.CreateVethPair(names); err != nil {
		return Subnet{}, err
	}
	if err := t.links.AttachToBridge(names.Host, bridge); err != nil {
		return Subnet{}, err
	}
	if err := t.links.MoveToNamespace(names.Peer, ns); err != nil {
		return Subnet{}, err
	}
	if err := t.links.AssignAddress(bridge, "", alloc.GatewayCIDR()); err != nil {
		return Subnet{}, err
	}
	if err := t.links.AssignAddress(names.Peer, ns, alloc.HostCIDR()); err != nil {
		return Subnet{}, err
	}

	if role == RolePublic {
		if err := t.links.SetDefaultRoute(ns, alloc.Gateway.String()); err != nil {
			return Subnet{}, err
		}
		if meta.PublicInterface != "" {
			if err := t.rules.EnsureNAT(alloc.Subnet.String(), meta.PublicInterface); err != nil {
				return Subnet{}, err
			}
		}
	}

	return subnet, nil
}

// checkOverlap rejects a subnet whose block overlaps a network already held
// by another namespace of the same VPC.
func (t *Topology) checkOverlap(subnet Subnet) error {
	state, err := t.inspect.SubnetsOf(subnet.VPC)
	if err != nil {
		return err
	}

	for _, ns := range state.Namespaces {
		if ns == subnet.Namespace() {
			continue
		}
		for _, addr := range state.Addresses[ns] {
			network, err := networkOf(addr)
			if err != nil {
				return &DiscoveryError{Target: "subnet of " + ns, Err: err}
			}
			if network.Contains(subnet.Subnet.IP) || subnet.Subnet.Contains(network.IP) {
				return &AllocationError{
					CIDR:   subnet.Subnet.String(),
					Reason: fmt.Sprintf("overlaps %s held by %s", network, ns),
				}
			}
		}
	}
	return nil
}

// PeerVPC connects two VPCs that both have at least one subnet.
func (t *Topology) PeerVPC(a, b string) error {
	for _, name := range []string{a, b} {
		if err := ValidateName("vpc", name); err != nil {
			return err
		}
	}
	if a == b {
		return fmt.Errorf("cannot peer vpc %s with itself", a)
	}

	t.log.Info("Peering vpcs", "a", a, "b", b)
	return t.peering.Peer(a, b)
}

// ApplyPolicies appends the ingress rules of every policy to the namespace
// of its target subnet. All targets are resolved before any rule is written.
func (t *Topology) ApplyPolicies(vpc string, policies []Policy) error {
	if err := ValidateName("vpc", vpc); err != nil {
		return err
	}

	state, err := t.inspect.SubnetsOf(vpc)
	if err != nil {
		return err
	}

	targets := make([]string, len(policies))
	for i, policy := range policies {
		ns, err := resolveTarget(state, policy.Subnet)
		if err != nil {
			return err
		}
		targets[i] = ns
	}

	for i, policy := range policies {
		t.log.Info("Applying policy", "vpc", vpc, "subnet", policy.Subnet, "ns", targets[i], "rules", len(policy.Ingress))
		if err := t.rules.ApplyIngress(targets[i], policy.Ingress); err != nil {
			return err
		}
	}

	return nil
}

// resolveTarget maps a policy target, a subnet name or a CIDR, to the
// namespace holding it.
func resolveTarget(state VPCState, target string) (string, error) {
	if _, network, err := net.ParseCIDR(target); err == nil {
		for _, ns := range state.Namespaces {
			for _, addr := range state.Addresses[ns] {
				if n, err := networkOf(addr); err == nil && n.String() == network.String() {
					return ns, nil
				}
			}
		}
		return "", &PrecursorMissingError{Op: "apply-policies", Missing: fmt.Sprintf("subnet %s in vpc %s", target, state.VPC)}
	}

	ns := NamespaceName(state.VPC, target)
	if !lo.Contains(state.Namespaces, ns) {
		return "", &PrecursorMissingError{Op: "apply-policies", Missing: "namespace " + ns}
	}
	return ns, nil
}

// DeleteVPC removes every namespace, link and the bridge of a VPC, then
// flushes all host NAT and filter rules. Every step runs even if an
// earlier one failed; the first failure is returned.
func (t *Topology) DeleteVPC(name string) error {
	if err := ValidateName("vpc", name); err != nil {
		return err
	}

	var firstErr error
	record := func(err error) {
		if err != nil {
			t.log.Warn("Delete step failed", "vpc", name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	bridge, err := t.namer.Bridge(name)
	if err != nil {
		return err
	}

	namespaces, err := t.inspect.Namespaces(name)
	record(err)

	var links []string
	for _, ns := range namespaces {
		subnet, _ := SubnetOfNamespace(name, ns)
		if names, err := t.namer.SubnetLink(name, subnet); err == nil {
			links = append(links, names.Host)
		}
	}
	hostLinks, err := t.inspect.Links()
	record(err)
	for _, link := range hostLinks {
		if ownedByVPC(link.Alias, name) {
			links = append(links, link.Name)
		}
	}
	links = lo.Uniq(links)

	bridgeLink, err := t.inspect.Link(bridge)
	record(err)
	if bridgeLink != nil && !untagged(bridgeLink, "bridge") {
		if err := checkOwner(bridge, bridgeLink.Alias, vpcOwner(name)); err != nil {
			record(err)
			bridge = ""
		}
	}

	t.log.Info("Deleting vpc", "vpc", name, "namespaces", namespaces, "links", links, "bridge", bridge)
	record(t.links.Teardown(namespaces, links, bridge))
	record(t.rules.FlushAll())
	record(t.store.Delete(name))

	return firstErr
}

// Status reports the discovered state of a VPC.
func (t *Topology) Status(name string) (Status, error) {
	if err := ValidateName("vpc", name); err != nil {
		return Status{}, err
	}

	bridge, err := t.namer.Bridge(name)
	if err != nil {
		return Status{}, err
	}
	exists, err := t.links.BridgeExists(bridge)
	if err != nil {
		return Status{}, err
	}
	if !exists {
		return Status{}, &PrecursorMissingError{Op: "status", Missing: fmt.Sprintf("bridge %s of vpc %s", bridge, name)}
	}

	meta, _, err := t.store.Load(name)
	if err != nil {
		return Status{}, err
	}
	gateways, err := t.inspect.Addresses("", bridge)
	if err != nil {
		return Status{}, err
	}
	state, err := t.inspect.SubnetsOf(name)
	if err != nil {
		return Status{}, errors.Wrapf(err, "vpc %s", name)
	}

	return Status{
		Name:       name,
		Bridge:     bridge,
		CIDR:       meta.CIDR,
		Egress:     meta.PublicInterface,
		Gateways:   gateways,
		Namespaces: state.Addresses,
		Subnets:    state.Subnets,
	}, nil
}
