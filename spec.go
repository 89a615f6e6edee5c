package main

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// NamespaceSeparator joins VPC and subnet names into a namespace name.
	NamespaceSeparator = "."

	// MaxNameLength bounds VPC and subnet names.
	MaxNameLength = 32

	// OwnerTagPrefix marks every device alias written by vpcctl.
	OwnerTagPrefix = "vpcctl:"
)

// Role is the subnet role.
type Role string

const (
	RolePublic  Role = "public"
	RolePrivate Role = "private"
)

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RolePublic:
		return RolePublic, nil
	case RolePrivate:
		return RolePrivate, nil
	default:
		return "", fmt.Errorf("invalid subnet role %q (want public or private)", s)
	}
}

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateName checks a VPC or subnet name.
func ValidateName(kind, name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s name %q is longer than %d characters", kind, name, MaxNameLength)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%s name %q must consist of lowercase letters, digits and inner dashes", kind, name)
	}
	return nil
}

// VPC is a logical network realized as one bridge.
type VPC struct {
	Name            string `yaml:"name"`
	CIDR            string `yaml:"cidr"`
	PublicInterface string `yaml:"public_interface,omitempty"`
}

// Subnet is a VPC-scoped address block realized as one namespace and one veth pair.
type Subnet struct {
	VPC  string
	Name string
	Role Role
	Allocation
}

// Namespace returns the network namespace holding the subnet.
func (s Subnet) Namespace() string {
	return NamespaceName(s.VPC, s.Name)
}

// NamespaceName returns the namespace of subnet in vpc.
// Example: app.web
func NamespaceName(vpc, subnet string) string {
	return vpc + NamespaceSeparator + subnet
}

// NamespacePrefix returns the prefix shared by all namespaces of vpc.
func NamespacePrefix(vpc string) string {
	return vpc + NamespaceSeparator
}

// SubnetOfNamespace splits a namespace name back into its subnet name.
func SubnetOfNamespace(vpc, ns string) (string, bool) {
	subnet, ok := strings.CutPrefix(ns, NamespacePrefix(vpc))
	if !ok || subnet == "" {
		return "", false
	}
	return subnet, true
}

// Owner tags written into device aliases.
func vpcOwner(vpc string) string {
	return OwnerTagPrefix + "vpc=" + vpc
}

func subnetOwner(vpc, subnet string) string {
	return OwnerTagPrefix + "subnet=" + vpc + "/" + subnet
}

func peerOwner(a, b string) string {
	a, b = orderedPair(a, b)
	return OwnerTagPrefix + "peer=" + a + "/" + b
}

// ownedByVPC reports whether an alias marks a device belonging to vpc:
// one of its subnet veths or a peering link it takes part in.
func ownedByVPC(alias, vpc string) bool {
	if strings.HasPrefix(alias, OwnerTagPrefix+"subnet="+vpc+"/") {
		return true
	}
	pair, ok := strings.CutPrefix(alias, OwnerTagPrefix+"peer=")
	if !ok {
		return false
	}
	a, b, _ := strings.Cut(pair, "/")
	return a == vpc || b == vpc
}

func orderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Protocol is a transport protocol a policy rule matches.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Action is what a policy rule does with matching traffic.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// IngressRule is a single allow/deny rule of a policy.
type IngressRule struct {
	Port     int      `yaml:"port"`
	Protocol Protocol `yaml:"protocol"`
	Action   Action   `yaml:"action"`
}

// Policy targets a subnet (by name or CIDR) with an ordered rule list.
type Policy struct {
	Subnet  string        `yaml:"subnet"`
	Ingress []IngressRule `yaml:"ingress"`
}

// Status is the discovered state of a VPC.
type Status struct {
	Name       string              `yaml:"name"`
	Bridge     string              `yaml:"bridge"`
	CIDR       string              `yaml:"cidr,omitempty"`
	Egress     string              `yaml:"public_interface,omitempty"`
	Gateways   []string            `yaml:"gateways"`
	Namespaces map[string][]string `yaml:"namespaces"`
	Subnets    []string            `yaml:"subnets"`
}
