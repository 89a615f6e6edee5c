package main

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

const (
	// SubnetPrefixLen is the fixed size of every carved subnet.
	SubnetPrefixLen = 24

	// MaxOverridePrefixLen is the smallest explicit subnet that still has
	// room for a gateway and a host address.
	MaxOverridePrefixLen = 30

	publicBlockIndex  = 1
	privateBlockIndex = 2
)

// Allocation holds the addresses derived for one subnet.
type Allocation struct {
	Subnet  *net.IPNet
	Gateway net.IP
	Host    net.IP
}

// GatewayCIDR returns the gateway address with the subnet prefix, as assigned to the bridge.
func (a Allocation) GatewayCIDR() string {
	return withPrefix(a.Gateway, a.Subnet)
}

// HostCIDR returns the host address with the subnet prefix, as assigned inside the namespace.
func (a Allocation) HostCIDR() string {
	return withPrefix(a.Host, a.Subnet)
}

func withPrefix(ip net.IP, subnet *net.IPNet) string {
	ones, _ := subnet.Mask.Size()
	return fmt.Sprintf("%s/%d", ip, ones)
}

// blockIndex returns the reserved sub-block index of a role.
func blockIndex(role Role) (int, error) {
	switch role {
	case RolePublic:
		return publicBlockIndex, nil
	case RolePrivate:
		return privateBlockIndex, nil
	default:
		return 0, fmt.Errorf("unknown subnet role %q", role)
	}
}

// parseIPv4CIDR parses s and rejects anything that is not IPv4.
func parseIPv4CIDR(s string) (*net.IPNet, error) {
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, &AllocationError{CIDR: s, Reason: "not a valid CIDR"}
	}
	if network.IP.To4() == nil {
		return nil, &AllocationError{CIDR: s, Reason: "only IPv4 is supported"}
	}
	network.IP = network.IP.To4()
	return network, nil
}

// AllocateSubnet derives the subnet of role from block.
//
// A block shorter than /24 is treated as the VPC base and the role picks a
// fixed /24 inside it. A /24 or longer block is an explicit subnet and is
// used as is. vpcBase, when set, must equal a base block and must contain
// an explicit one.
func AllocateSubnet(block string, role Role, vpcBase string) (Allocation, error) {
	network, err := parseIPv4CIDR(block)
	if err != nil {
		return Allocation{}, err
	}

	ones, _ := network.Mask.Size()
	if ones >= SubnetPrefixLen {
		return allocateExplicit(network, block, vpcBase)
	}

	if vpcBase != "" {
		base, err := parseIPv4CIDR(vpcBase)
		if err != nil {
			return Allocation{}, err
		}
		if base.String() != network.String() {
			return Allocation{}, &AllocationError{CIDR: block, Reason: "differs from vpc block " + vpcBase}
		}
	}

	index, err := blockIndex(role)
	if err != nil {
		return Allocation{}, &AllocationError{CIDR: block, Reason: err.Error()}
	}

	subnet, err := cidr.Subnet(network, SubnetPrefixLen-ones, index)
	if err != nil {
		return Allocation{}, &AllocationError{
			CIDR:   block,
			Reason: fmt.Sprintf("no room for /%d block %d: %v", SubnetPrefixLen, index, err),
		}
	}

	return hostsOf(subnet, block)
}

func allocateExplicit(network *net.IPNet, block, vpcBase string) (Allocation, error) {
	ones, _ := network.Mask.Size()
	if ones > MaxOverridePrefixLen {
		return Allocation{}, &AllocationError{
			CIDR:   block,
			Reason: fmt.Sprintf("needs at least 2 usable host addresses (/%d or larger)", MaxOverridePrefixLen),
		}
	}

	if vpcBase != "" {
		base, err := parseIPv4CIDR(vpcBase)
		if err != nil {
			return Allocation{}, err
		}
		baseOnes, _ := base.Mask.Size()
		if baseOnes > ones || !base.Contains(network.IP) {
			return Allocation{}, &AllocationError{CIDR: block, Reason: "outside of vpc block " + vpcBase}
		}
	}

	return hostsOf(network, block)
}

func hostsOf(subnet *net.IPNet, block string) (Allocation, error) {
	gw, err := cidr.Host(subnet, 1)
	if err != nil {
		return Allocation{}, &AllocationError{CIDR: block, Reason: err.Error()}
	}
	host, err := cidr.Host(subnet, 2)
	if err != nil {
		return Allocation{}, &AllocationError{CIDR: block, Reason: err.Error()}
	}

	return Allocation{Subnet: subnet, Gateway: gw, Host: host}, nil
}

// ValidateVPCBlock checks that base can hold every role block.
func ValidateVPCBlock(base string) error {
	network, err := parseIPv4CIDR(base)
	if err != nil {
		return err
	}
	if ones, _ := network.Mask.Size(); ones >= SubnetPrefixLen {
		return &AllocationError{CIDR: base, Reason: fmt.Sprintf("vpc block must be larger than /%d", SubnetPrefixLen)}
	}

	for _, role := range []Role{RolePublic, RolePrivate} {
		if _, err := AllocateSubnet(base, role, ""); err != nil {
			return err
		}
	}
	return nil
}

// networkOf normalizes an address with prefix to its containing network.
func networkOf(addr string) (*net.IPNet, error) {
	_, network, err := net.ParseCIDR(addr)
	if err != nil {
		return nil, err
	}
	return network, nil
}
