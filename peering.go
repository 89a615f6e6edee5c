package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pkg/errors"
)

// PeeringSynthesizer connects the bridges of two VPCs and installs routes
// between their subnets. Routes are recomputed from discovered state on
// every call.
type PeeringSynthesizer struct {
	namer   *Namer
	links   *LinkProvisioner
	rules   *RuleManager
	inspect Inspector
	log     *slog.Logger
}

// NewPeeringSynthesizer returns a synthesizer discovering VPC state through inspect.
func NewPeeringSynthesizer(namer *Namer, links *LinkProvisioner, rules *RuleManager, inspect Inspector, log *slog.Logger) *PeeringSynthesizer {
	return &PeeringSynthesizer{namer: namer, links: links, rules: rules, inspect: inspect, log: log}
}

// Peer links VPCs a and b.
func (s *PeeringSynthesizer) Peer(a, b string) error {
	stateA, err := s.discover(a)
	if err != nil {
		return err
	}
	stateB, err := s.discover(b)
	if err != nil {
		return err
	}
	if err := checkDisjoint(stateA, stateB); err != nil {
		return err
	}

	bridgeA, err := s.bridge(a)
	if err != nil {
		return err
	}
	bridgeB, err := s.bridge(b)
	if err != nil {
		return err
	}

	names, err := s.namer.PeerLink(a, b)
	if err != nil {
		return err
	}
	if err := s.links.CreateVethPair(names); err != nil {
		return err
	}

	// the Host end belongs to whichever VPC sorts first
	hostBridge, peerBridge := bridgeA, bridgeB
	if first, _ := orderedPair(a, b); first != a {
		hostBridge, peerBridge = bridgeB, bridgeA
	}
	if err := s.links.AttachToBridge(names.Host, hostBridge); err != nil {
		return err
	}
	if err := s.links.AttachToBridge(names.Peer, peerBridge); err != nil {
		return err
	}

	if err := s.syncRoutes(stateA, bridgeA, stateB.Subnets); err != nil {
		return err
	}
	if err := s.syncRoutes(stateB, bridgeB, stateA.Subnets); err != nil {
		return err
	}

	if err := s.rules.EnsureForward(bridgeA, bridgeB); err != nil {
		return err
	}
	if err := s.rules.EnsureForward(bridgeB, bridgeA); err != nil {
		return err
	}

	s.log.Info("Peered", "a", a, "b", b, "link", names.Host)
	return nil
}

func (s *PeeringSynthesizer) discover(vpc string) (VPCState, error) {
	state, err := s.inspect.SubnetsOf(vpc)
	if err != nil {
		return VPCState{}, err
	}
	if len(state.Subnets) == 0 {
		return VPCState{}, &NoSubnetsError{VPC: vpc}
	}
	s.log.Debug("Discovered vpc", "vpc", vpc, "namespaces", state.Namespaces, "subnets", state.Subnets)
	return state, nil
}

func (s *PeeringSynthesizer) bridge(vpc string) (string, error) {
	bridge, err := s.namer.Bridge(vpc)
	if err != nil {
		return "", err
	}
	exists, err := s.links.BridgeExists(bridge)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &PrecursorMissingError{Op: "peer-vpc", Missing: fmt.Sprintf("bridge %s of vpc %s", bridge, vpc)}
	}
	return bridge, nil
}

// syncRoutes routes every remote subnet from every namespace of local via
// the local bridge gateway of that namespace.
func (s *PeeringSynthesizer) syncRoutes(local VPCState, bridge string, remote []string) error {
	for _, ns := range local.Namespaces {
		addrs := local.Addresses[ns]
		if len(addrs) == 0 {
			s.log.Warn("Namespace has no address, skipping routes", "ns", ns)
			continue
		}

		gateway, err := s.inspect.GatewayFor(bridge, addrs[0])
		if err != nil {
			return err
		}
		for _, dst := range remote {
			if err := s.links.AddRoute(ns, dst, gateway); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDisjoint rejects peering VPCs whose subnets overlap, since the routes
// would shadow local networks.
func checkDisjoint(a, b VPCState) error {
	for _, sa := range a.Subnets {
		_, na, err := net.ParseCIDR(sa)
		if err != nil {
			return errors.Wrapf(err, "vpc %s", a.VPC)
		}
		for _, sb := range b.Subnets {
			_, nb, err := net.ParseCIDR(sb)
			if err != nil {
				return errors.Wrapf(err, "vpc %s", b.VPC)
			}
			if na.Contains(nb.IP) || nb.Contains(na.IP) {
				return &AllocationError{CIDR: sb, Reason: fmt.Sprintf("overlaps %s of vpc %s", sa, a.VPC)}
			}
		}
	}
	return nil
}
