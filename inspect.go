package main

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// VPCState is what the host currently holds for one VPC.
type VPCState struct {
	VPC        string
	Namespaces []string
	// Addresses maps each namespace to its non-loopback IPv4 addresses with prefix.
	Addresses map[string][]string
	// Subnets is the sorted set of networks the namespaces are addressed in.
	Subnets []string
}

// Inspector discovers the subnets and gateways of VPCs from live host state.
type Inspector interface {
	SubnetsOf(vpc string) (VPCState, error)
	BridgeGateway(bridge string) (string, error)
	GatewayFor(bridge, hostAddr string) (string, error)
}

// ipLink is one entry of `ip -j link show`. LinkInfo is only filled in
// with -d.
type ipLink struct {
	Name     string   `json:"ifname"`
	Alias    string   `json:"ifalias"`
	Master   string   `json:"master"`
	State    string   `json:"operstate"`
	Flags    []string `json:"flags"`
	LinkInfo struct {
		Kind string `json:"info_kind"`
	} `json:"linkinfo"`
}

// Kind returns the device type, such as bridge or veth.
func (l ipLink) Kind() string {
	return l.LinkInfo.Kind
}

// Up reports whether the link is administratively up.
func (l ipLink) Up() bool {
	return lo.Contains(l.Flags, "UP")
}

type ipAddrInfo struct {
	Family    string `json:"family"`
	Local     string `json:"local"`
	PrefixLen int    `json:"prefixlen"`
}

// ipAddr is one entry of `ip -j addr show`.
type ipAddr struct {
	Name     string       `json:"ifname"`
	AddrInfo []ipAddrInfo `json:"addr_info"`
}

// HostInspector reads state through an Executor.
type HostInspector struct {
	exec Executor
}

// NewHostInspector returns an inspector issuing commands through exec.
func NewHostInspector(exec Executor) *HostInspector {
	return &HostInspector{exec: exec}
}

func ipArgs(ns string, args ...string) []string {
	if ns == "" {
		return args
	}
	return append([]string{"-n", ns}, args...)
}

// AllNamespaces returns every named network namespace on the host.
func (h *HostInspector) AllNamespaces() ([]string, error) {
	out, err := h.exec.Execute("ip", "netns", "list")
	if err != nil {
		return nil, &DiscoveryError{Target: "network namespaces", Err: err}
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		// name (id: 3)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	sort.Strings(names)
	return names, nil
}

// HasNamespace reports whether ns exists.
func (h *HostInspector) HasNamespace(ns string) (bool, error) {
	all, err := h.AllNamespaces()
	if err != nil {
		return false, err
	}
	return lo.Contains(all, ns), nil
}

// Namespaces returns the namespaces belonging to vpc.
func (h *HostInspector) Namespaces(vpc string) ([]string, error) {
	all, err := h.AllNamespaces()
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(ns string, _ int) bool {
		_, ok := SubnetOfNamespace(vpc, ns)
		return ok
	}), nil
}

// Link returns the host link called name, or nil if there is none.
func (h *HostInspector) Link(name string) (*ipLink, error) {
	out, err := h.exec.Execute("ip", "-d", "-j", "link", "show", "dev", name)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, &DiscoveryError{Target: "link " + name, Err: err}
	}

	links, err := decodeLinks(out)
	if err != nil {
		return nil, &DiscoveryError{Target: "link " + name, Err: err}
	}
	for _, l := range links {
		if l.Name == name {
			return &l, nil
		}
	}
	return nil, nil
}

// Links returns every link of the host namespace.
func (h *HostInspector) Links() ([]ipLink, error) {
	out, err := h.exec.Execute("ip", "-j", "link", "show")
	if err != nil {
		return nil, &DiscoveryError{Target: "links", Err: err}
	}
	links, err := decodeLinks(out)
	if err != nil {
		return nil, &DiscoveryError{Target: "links", Err: err}
	}
	return links, nil
}

func decodeLinks(out string) ([]ipLink, error) {
	var links []ipLink
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(out), &links); err != nil {
		return nil, errors.Wrap(err, "failed to decode link list")
	}
	return links, nil
}

// Addresses returns the non-loopback IPv4 addresses of dev (or of every
// device when dev is empty) in namespace ns ("" for the host).
func (h *HostInspector) Addresses(ns, dev string) ([]string, error) {
	args := []string{"-j", "-4", "addr", "show"}
	if dev != "" {
		args = append(args, "dev", dev)
	}
	target := "addresses"
	if dev != "" {
		target += " of " + dev
	}
	if ns != "" {
		target += " in " + ns
	}

	out, err := h.exec.Execute("ip", ipArgs(ns, args...)...)
	if err != nil {
		return nil, &DiscoveryError{Target: target, Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	var entries []ipAddr
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, &DiscoveryError{Target: target, Err: errors.Wrap(err, "failed to decode address list")}
	}

	var addrs []string
	for _, entry := range entries {
		if entry.Name == "lo" {
			continue
		}
		for _, info := range entry.AddrInfo {
			if info.Family != "inet" || info.Local == "" {
				continue
			}
			ip := net.ParseIP(info.Local)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			addrs = append(addrs, fmt.Sprintf("%s/%d", info.Local, info.PrefixLen))
		}
	}
	return addrs, nil
}

// SubnetsOf enumerates the namespaces of vpc and the networks they are addressed in.
func (h *HostInspector) SubnetsOf(vpc string) (VPCState, error) {
	namespaces, err := h.Namespaces(vpc)
	if err != nil {
		return VPCState{}, err
	}

	state := VPCState{
		VPC:        vpc,
		Namespaces: namespaces,
		Addresses:  make(map[string][]string, len(namespaces)),
	}
	for _, ns := range namespaces {
		addrs, err := h.Addresses(ns, "")
		if err != nil {
			return VPCState{}, err
		}
		state.Addresses[ns] = addrs

		for _, addr := range addrs {
			network, err := networkOf(addr)
			if err != nil {
				return VPCState{}, &DiscoveryError{Target: "subnet of " + ns, Err: err}
			}
			state.Subnets = append(state.Subnets, network.String())
		}
	}
	state.Subnets = lo.Uniq(state.Subnets)
	sort.Strings(state.Subnets)

	return state, nil
}

// BridgeGateway returns the first address assigned to bridge, without prefix.
func (h *HostInspector) BridgeGateway(bridge string) (string, error) {
	addrs, err := h.Addresses("", bridge)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &DiscoveryError{Target: "gateway of " + bridge, Err: errors.New("bridge has no address")}
	}
	ip, _, err := net.ParseCIDR(addrs[0])
	if err != nil {
		return "", &DiscoveryError{Target: "gateway of " + bridge, Err: err}
	}
	return ip.String(), nil
}

// GatewayFor returns the bridge address on the same network as hostAddr,
// falling back to the first bridge address.
func (h *HostInspector) GatewayFor(bridge, hostAddr string) (string, error) {
	host, _, err := net.ParseCIDR(hostAddr)
	if err != nil {
		return "", &DiscoveryError{Target: "gateway for " + hostAddr, Err: err}
	}

	addrs, err := h.Addresses("", bridge)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ip, network, err := net.ParseCIDR(addr)
		if err != nil {
			continue
		}
		if network.Contains(host) {
			return ip.String(), nil
		}
	}

	return h.BridgeGateway(bridge)
}
