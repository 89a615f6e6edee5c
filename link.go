package main

import (
	"log/slog"

	"github.com/pkg/errors"
)

// LinkProvisioner creates and removes bridges, namespaces and veth pairs.
// Every method re-checks host state first, so it can be called repeatedly.
type LinkProvisioner struct {
	exec    Executor
	inspect *HostInspector
	log     *slog.Logger
}

// NewLinkProvisioner returns a provisioner issuing commands through exec.
func NewLinkProvisioner(exec Executor, inspect *HostInspector, log *slog.Logger) *LinkProvisioner {
	return &LinkProvisioner{exec: exec, inspect: inspect, log: log}
}

func (p *LinkProvisioner) ip(ns string, args ...string) error {
	_, err := p.exec.Execute("ip", ipArgs(ns, args...)...)
	return err
}

// BridgeExists reports whether bridge is present on the host.
func (p *LinkProvisioner) BridgeExists(bridge string) (bool, error) {
	link, err := p.inspect.Link(bridge)
	if err != nil {
		return false, err
	}
	return link != nil, nil
}

// EnsureBridge creates bridge if absent, tags it with owner and brings it up.
func (p *LinkProvisioner) EnsureBridge(bridge, owner string) error {
	link, err := p.inspect.Link(bridge)
	if err != nil {
		return err
	}

	switch {
	case link == nil:
		p.log.Info("Creating bridge", "bridge", bridge)
		if err := p.ip("", "link", "add", "name", bridge, "type", "bridge"); err != nil && !isExists(err) {
			return &LinkError{Op: "create bridge", Device: bridge, Err: err}
		}
		if err := p.ip("", "link", "set", "dev", bridge, "alias", owner); err != nil {
			return &LinkError{Op: "tag bridge", Device: bridge, Err: err}
		}
	case untagged(link, "bridge"):
		p.log.Warn("Adopting untagged bridge", "bridge", bridge, "owner", owner)
		if err := p.ip("", "link", "set", "dev", bridge, "alias", owner); err != nil {
			return &LinkError{Op: "tag bridge", Device: bridge, Err: err}
		}
	default:
		if err := checkOwner(bridge, link.Alias, owner); err != nil {
			return err
		}
		p.log.Debug("Bridge already present", "bridge", bridge)
	}

	if link == nil || !link.Up() {
		if err := p.ip("", "link", "set", "dev", bridge, "up"); err != nil {
			return &LinkError{Op: "bring up bridge", Device: bridge, Err: err}
		}
	}

	return nil
}

// EnsureNamespace creates ns if absent and brings its loopback up.
func (p *LinkProvisioner) EnsureNamespace(ns string) error {
	exists, err := p.inspect.HasNamespace(ns)
	if err != nil {
		return err
	}

	if !exists {
		p.log.Info("Creating namespace", "ns", ns)
		if err := p.ip("", "netns", "add", ns); err != nil && !isExists(err) {
			return &LinkError{Op: "create namespace", Device: ns, Err: err}
		}
	}

	if err := p.ip(ns, "link", "set", "dev", "lo", "up"); err != nil {
		return &LinkError{Op: "bring up loopback", Device: ns, Err: err}
	}

	return nil
}

// CreateVethPair (re)creates the veth pair described by names. A stale
// device left by an earlier run, tagged or not, is removed first; a device
// owned by anything else is a NameCollisionError.
func (p *LinkProvisioner) CreateVethPair(names LinkNames) error {
	for _, name := range []string{names.Host, names.Peer} {
		link, err := p.inspect.Link(name)
		if err != nil {
			return err
		}
		if link == nil {
			continue
		}
		if !untagged(link, "veth") {
			if err := checkOwner(name, link.Alias, names.Owner); err != nil {
				return err
			}
		}

		p.log.Debug("Removing stale link", "link", name, "alias", link.Alias)
		if err := p.DeleteLink(name); err != nil {
			return err
		}
	}

	p.log.Info("Creating veth pair", "host", names.Host, "peer", names.Peer)
	err := p.ip("", "link", "add", names.Host, "address", names.HostMAC.String(),
		"type", "veth", "peer", "name", names.Peer, "address", names.PeerMAC.String())
	if err != nil {
		return &LinkError{Op: "create veth", Device: names.Host, Err: err}
	}

	for _, name := range []string{names.Host, names.Peer} {
		if err := p.ip("", "link", "set", "dev", name, "alias", names.Owner); err != nil {
			return &LinkError{Op: "tag veth", Device: name, Err: err}
		}
	}

	peer, err := p.inspect.Link(names.Peer)
	if err != nil {
		return err
	}
	if peer == nil {
		return &LinkError{Op: "verify veth", Device: names.Peer, Err: errors.New("peer end missing after creation")}
	}

	return nil
}

// untagged reports whether link is a device of kind that was created but
// never tagged with its owner, as left behind by an interrupted run.
func untagged(link *ipLink, kind string) bool {
	return link.Alias == "" && link.Kind() == kind
}

// AttachToBridge enslaves dev to bridge and brings it up.
func (p *LinkProvisioner) AttachToBridge(dev, bridge string) error {
	if err := p.ip("", "link", "set", "dev", dev, "master", bridge); err != nil {
		return &LinkError{Op: "attach to " + bridge, Device: dev, Err: err}
	}
	if err := p.ip("", "link", "set", "dev", dev, "up"); err != nil {
		return &LinkError{Op: "bring up", Device: dev, Err: err}
	}
	return nil
}

// MoveToNamespace moves dev into ns, which must already exist.
func (p *LinkProvisioner) MoveToNamespace(dev, ns string) error {
	exists, err := p.inspect.HasNamespace(ns)
	if err != nil {
		return err
	}
	if !exists {
		return &PrecursorMissingError{Op: "move " + dev, Missing: "namespace " + ns}
	}

	if err := p.ip("", "link", "set", "dev", dev, "netns", ns); err != nil {
		return &LinkError{Op: "move to " + ns, Device: dev, Err: err}
	}
	return nil
}

// AssignAddress adds cidr to dev in ns ("" for the host) unless it is
// already assigned, then brings dev up.
func (p *LinkProvisioner) AssignAddress(dev, ns, cidr string) error {
	addrs, err := p.inspect.Addresses(ns, dev)
	if err != nil {
		return err
	}

	found := false
	for _, addr := range addrs {
		if addr == cidr {
			found = true
			break
		}
	}

	if !found {
		p.log.Info("Assigning address", "dev", dev, "ns", ns, "addr", cidr)
		if err := p.ip(ns, "addr", "add", cidr, "dev", dev); err != nil && !isExists(err) {
			return &LinkError{Op: "assign " + cidr, Device: dev, Err: err}
		}
	}

	if err := p.ip(ns, "link", "set", "dev", dev, "up"); err != nil {
		return &LinkError{Op: "bring up", Device: dev, Err: err}
	}
	return nil
}

// SetDefaultRoute points the default route of ns at gateway. Only public
// subnets get one; private subnets are left without a path out.
func (p *LinkProvisioner) SetDefaultRoute(ns, gateway string) error {
	p.log.Info("Setting default route", "ns", ns, "via", gateway)
	if err := p.ip(ns, "route", "replace", "default", "via", gateway); err != nil {
		return &LinkError{Op: "default route via " + gateway, Device: ns, Err: err}
	}
	return nil
}

// AddRoute routes dst via gateway inside ns.
func (p *LinkProvisioner) AddRoute(ns, dst, gateway string) error {
	p.log.Info("Adding route", "ns", ns, "dst", dst, "via", gateway)
	if err := p.ip(ns, "route", "replace", dst, "via", gateway); err != nil {
		return &LinkError{Op: "route " + dst + " via " + gateway, Device: ns, Err: err}
	}
	return nil
}

// DeleteNamespace removes ns; a missing namespace is not an error.
func (p *LinkProvisioner) DeleteNamespace(ns string) error {
	if err := p.ip("", "netns", "del", ns); err != nil && !isAbsent(err) {
		return &LinkError{Op: "delete namespace", Device: ns, Err: err}
	}
	return nil
}

// DeleteLink removes a host device; a missing device is not an error.
func (p *LinkProvisioner) DeleteLink(name string) error {
	if err := p.ip("", "link", "del", "dev", name); err != nil && !isAbsent(err) {
		return &LinkError{Op: "delete link", Device: name, Err: err}
	}
	return nil
}

// Teardown removes namespaces, then links, then bridge (if set). All steps
// are attempted; the first failure is returned.
func (p *LinkProvisioner) Teardown(namespaces, links []string, bridge string) error {
	var firstErr error
	record := func(err error) {
		if err != nil {
			p.log.Warn("Teardown step failed", "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, ns := range namespaces {
		p.log.Info("Deleting namespace", "ns", ns)
		record(p.DeleteNamespace(ns))
	}
	for _, link := range links {
		p.log.Info("Deleting link", "link", link)
		record(p.DeleteLink(link))
	}
	if bridge != "" {
		p.log.Info("Deleting bridge", "bridge", bridge)
		record(p.DeleteLink(bridge))
	}

	return firstErr
}
