package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"testing"
)

// fakeLink is a network device of the fake host.
type fakeLink struct {
	name   string
	kind   string
	alias  string
	master string
	peer   string
	mac    string
	up     bool
	addrs  []string
}

// fakeNetns is one network namespace of the fake host; "" is the host itself.
type fakeNetns struct {
	links  map[string]*fakeLink
	routes map[string]string // dst -> via
	rules  map[string][]string
}

func newFakeNetns() *fakeNetns {
	return &fakeNetns{
		links: map[string]*fakeLink{
			"lo": {name: "lo", kind: "loopback", addrs: []string{"127.0.0.1/8"}},
		},
		routes: map[string]string{},
		rules:  map[string][]string{},
	}
}

// fakeHost implements Executor by interpreting the ip, iptables and sysctl
// commands vpcctl issues against in-memory state.
type fakeHost struct {
	t        *testing.T
	netns    map[string]*fakeNetns
	sysctl   map[string]string
	calls    []string
	failures map[string]string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()

	host := newFakeNetns()
	host.links["lo"].up = true
	host.links["eth0"] = &fakeLink{name: "eth0", kind: "ether", up: true, addrs: []string{"192.168.1.10/24"}}

	return &fakeHost{
		t:        t,
		netns:    map[string]*fakeNetns{"": host},
		sysctl:   map[string]string{},
		failures: map[string]string{},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fail(cmd string, code int, msg string) (string, error) {
	return msg, &CommandError{Command: cmd, Output: msg, ExitCode: code}
}

func (h *fakeHost) Execute(name string, args ...string) (string, error) {
	cmd := commandLine(name, args...)
	h.calls = append(h.calls, cmd)
	if msg, ok := h.failures[cmd]; ok {
		return fail(cmd, 2, msg)
	}

	switch name {
	case "sysctl":
		if len(args) == 2 && args[0] == "-w" {
			k, v, _ := strings.Cut(args[1], "=")
			h.sysctl[k] = v
			return "", nil
		}
	case "iptables":
		return h.iptables(cmd, "", args)
	case "ip":
		return h.ip(cmd, args)
	}

	h.t.Fatalf("fake host: unsupported command %q", cmd)
	return "", nil
}

func (h *fakeHost) ip(cmd string, args []string) (string, error) {
	ns := ""
	asJSON, details := false, false
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-n":
			ns = args[1]
			args = args[2:]
		case "-j":
			asJSON = true
			args = args[1:]
		case "-d":
			details = true
			args = args[1:]
		case "-4":
			args = args[1:]
		default:
			h.t.Fatalf("fake host: unsupported ip option in %q", cmd)
		}
	}

	if args[0] == "netns" {
		return h.ipNetns(cmd, args[1:])
	}

	netns, ok := h.netns[ns]
	if !ok {
		return fail(cmd, 1, fmt.Sprintf("Cannot open network namespace %q: No such file or directory", ns))
	}

	switch args[0] {
	case "link":
		return h.ipLink(cmd, ns, netns, args[1:], asJSON, details)
	case "addr":
		return h.ipAddr(cmd, netns, args[1:])
	case "route":
		return h.ipRoute(cmd, netns, args[1:])
	}

	h.t.Fatalf("fake host: unsupported ip command %q", cmd)
	return "", nil
}

func (h *fakeHost) ipNetns(cmd string, args []string) (string, error) {
	switch args[0] {
	case "list":
		var names []string
		for name := range h.netns {
			if name != "" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		var b strings.Builder
		for i, name := range names {
			fmt.Fprintf(&b, "%s (id: %d)\n", name, i)
		}
		return b.String(), nil
	case "add":
		if _, ok := h.netns[args[1]]; ok {
			return fail(cmd, 1, fmt.Sprintf("Cannot create namespace file \"/var/run/netns/%s\": File exists", args[1]))
		}
		h.netns[args[1]] = newFakeNetns()
		return "", nil
	case "del":
		netns, ok := h.netns[args[1]]
		if !ok {
			return fail(cmd, 1, fmt.Sprintf("Cannot remove namespace file \"/var/run/netns/%s\": No such file or directory", args[1]))
		}
		for _, link := range netns.links {
			h.removePeer(link)
		}
		delete(h.netns, args[1])
		return "", nil
	case "exec":
		ns := args[1]
		if _, ok := h.netns[ns]; !ok {
			return fail(cmd, 1, fmt.Sprintf("Cannot open network namespace %q: No such file or directory", ns))
		}
		if args[2] == "iptables" {
			return h.iptables(cmd, ns, args[3:])
		}
	}

	h.t.Fatalf("fake host: unsupported ip netns command %q", cmd)
	return "", nil
}

func noDevice(cmd, name string) (string, error) {
	return fail(cmd, 1, fmt.Sprintf("Device \"%s\" does not exist.", name))
}

func (h *fakeHost) ipLink(cmd, ns string, netns *fakeNetns, args []string, asJSON, details bool) (string, error) {
	switch args[0] {
	case "show":
		if !asJSON {
			h.t.Fatalf("fake host: only json link output is supported: %q", cmd)
		}
		if len(args) == 3 && args[1] == "dev" {
			link, ok := netns.links[args[2]]
			if !ok {
				return noDevice(cmd, args[2])
			}
			return renderLinks([]*fakeLink{link}, details), nil
		}
		return renderLinks(sortedLinks(netns), details), nil

	case "add":
		if args[1] == "name" && len(args) == 5 && args[3] == "type" && args[4] == "bridge" {
			if _, ok := netns.links[args[2]]; ok {
				return fail(cmd, 2, "RTNETLINK answers: File exists")
			}
			netns.links[args[2]] = &fakeLink{name: args[2], kind: "bridge"}
			return "", nil
		}
		// add NAME address MAC type veth peer name PEER address MAC
		if len(args) == 11 && args[2] == "address" && args[4] == "type" && args[5] == "veth" {
			host, peer := args[1], args[8]
			if _, ok := netns.links[host]; ok {
				return fail(cmd, 2, "RTNETLINK answers: File exists")
			}
			if _, ok := netns.links[peer]; ok {
				return fail(cmd, 2, "RTNETLINK answers: File exists")
			}
			netns.links[host] = &fakeLink{name: host, kind: "veth", peer: peer, mac: args[3]}
			netns.links[peer] = &fakeLink{name: peer, kind: "veth", peer: host, mac: args[10]}
			return "", nil
		}

	case "del":
		link, ok := netns.links[args[2]]
		if !ok {
			return fail(cmd, 1, fmt.Sprintf("Cannot find device \"%s\"", args[2]))
		}
		h.removeLink(netns, link)
		h.removePeer(link)
		return "", nil

	case "set":
		link, ok := netns.links[args[2]]
		if !ok {
			return fail(cmd, 1, fmt.Sprintf("Cannot find device \"%s\"", args[2]))
		}
		switch args[3] {
		case "up":
			link.up = true
		case "alias":
			link.alias = args[4]
		case "master":
			master, ok := netns.links[args[4]]
			if !ok || master.kind != "bridge" {
				return fail(cmd, 1, fmt.Sprintf("Cannot find device \"%s\"", args[4]))
			}
			link.master = args[4]
		case "netns":
			target, ok := h.netns[args[4]]
			if !ok {
				return fail(cmd, 1, fmt.Sprintf("Cannot open network namespace %q: No such file or directory", args[4]))
			}
			h.removeLink(netns, link)
			link.master = ""
			link.up = false
			link.addrs = nil
			target.links[link.name] = link
		default:
			h.t.Fatalf("fake host: unsupported link set in %q", cmd)
		}
		return "", nil
	}

	h.t.Fatalf("fake host: unsupported link command %q (ns %q)", cmd, ns)
	return "", nil
}

func (h *fakeHost) ipAddr(cmd string, netns *fakeNetns, args []string) (string, error) {
	switch args[0] {
	case "show":
		links := sortedLinks(netns)
		if len(args) == 3 && args[1] == "dev" {
			link, ok := netns.links[args[2]]
			if !ok {
				return noDevice(cmd, args[2])
			}
			links = []*fakeLink{link}
		}
		return renderAddrs(links), nil
	case "add":
		link, ok := netns.links[args[3]]
		if !ok {
			return fail(cmd, 1, fmt.Sprintf("Cannot find device \"%s\"", args[3]))
		}
		for _, addr := range link.addrs {
			if addr == args[1] {
				return fail(cmd, 2, "RTNETLINK answers: File exists")
			}
		}
		link.addrs = append(link.addrs, args[1])
		return "", nil
	}

	h.t.Fatalf("fake host: unsupported addr command %q", cmd)
	return "", nil
}

func (h *fakeHost) ipRoute(cmd string, netns *fakeNetns, args []string) (string, error) {
	if args[0] == "replace" && len(args) == 4 && args[2] == "via" {
		if !onLink(netns, args[3]) {
			return fail(cmd, 2, "Error: Nexthop has invalid gateway.")
		}
		netns.routes[args[1]] = args[3]
		return "", nil
	}

	h.t.Fatalf("fake host: unsupported route command %q", cmd)
	return "", nil
}

func (h *fakeHost) iptables(cmd, ns string, args []string) (string, error) {
	netns := h.netns[ns]
	if len(args) < 3 || args[0] != "-t" {
		h.t.Fatalf("fake host: unsupported iptables command %q", cmd)
	}
	table := args[1]

	if args[2] == "-F" {
		for key := range netns.rules {
			if strings.HasPrefix(key, table+"/") {
				delete(netns.rules, key)
			}
		}
		return "", nil
	}

	key := table + "/" + args[3]
	rule := strings.Join(args[4:], " ")
	switch args[2] {
	case "-C":
		for _, r := range netns.rules[key] {
			if r == rule {
				return "", nil
			}
		}
		return fail(cmd, 1, "iptables: Bad rule (does a matching rule exist in that chain?).")
	case "-A":
		netns.rules[key] = append(netns.rules[key], rule)
		return "", nil
	}

	h.t.Fatalf("fake host: unsupported iptables command %q", cmd)
	return "", nil
}

func (h *fakeHost) removeLink(netns *fakeNetns, link *fakeLink) {
	delete(netns.links, link.name)
	for _, l := range netns.links {
		if l.master == link.name {
			l.master = ""
		}
	}
	for dst, via := range netns.routes {
		if !onLink(netns, via) {
			delete(netns.routes, dst)
		}
	}
}

// removePeer destroys the other end of a veth, wherever it lives.
func (h *fakeHost) removePeer(link *fakeLink) {
	if link.kind != "veth" || link.peer == "" {
		return
	}
	for _, netns := range h.netns {
		if peer, ok := netns.links[link.peer]; ok && peer.peer == link.name {
			h.removeLink(netns, peer)
		}
	}
}

func onLink(netns *fakeNetns, gateway string) bool {
	ip := net.ParseIP(gateway)
	for _, link := range netns.links {
		if !link.up {
			continue
		}
		for _, addr := range link.addrs {
			if _, network, err := net.ParseCIDR(addr); err == nil && network.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func sortedLinks(netns *fakeNetns) []*fakeLink {
	links := make([]*fakeLink, 0, len(netns.links))
	for _, l := range netns.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		// lo first, like the kernel's ifindex order
		if links[i].name == "lo" || links[j].name == "lo" {
			return links[i].name == "lo"
		}
		return links[i].name < links[j].name
	})
	return links
}

type jsonLink struct {
	Index     int           `json:"ifindex"`
	Name      string        `json:"ifname"`
	Flags     []string      `json:"flags"`
	Master    string        `json:"master,omitempty"`
	OperState string        `json:"operstate"`
	Address   string        `json:"address,omitempty"`
	Alias     string        `json:"ifalias,omitempty"`
	LinkInfo  *jsonLinkInfo `json:"linkinfo,omitempty"`
}

type jsonLinkInfo struct {
	Kind string `json:"info_kind"`
}

// renderLinks prints links like `ip -j link show`; details adds the
// linkinfo block printed by `ip -d`.
func renderLinks(links []*fakeLink, details bool) string {
	out := make([]jsonLink, 0, len(links))
	for i, l := range links {
		flags := []string{"BROADCAST", "MULTICAST"}
		state := "DOWN"
		if l.up {
			flags = append(flags, "UP", "LOWER_UP")
			state = "UP"
		}
		entry := jsonLink{Index: i + 1, Name: l.name, Flags: flags, Master: l.master, OperState: state, Address: l.mac, Alias: l.alias}
		if details && l.kind != "ether" && l.kind != "loopback" {
			entry.LinkInfo = &jsonLinkInfo{Kind: l.kind}
		}
		out = append(out, entry)
	}
	data, _ := json.Marshal(out)
	return string(data) + "\n"
}

type jsonAddrInfo struct {
	Family    string `json:"family"`
	Local     string `json:"local"`
	PrefixLen int    `json:"prefixlen"`
	Scope     string `json:"scope"`
}

type jsonAddr struct {
	Index    int            `json:"ifindex"`
	Name     string         `json:"ifname"`
	AddrInfo []jsonAddrInfo `json:"addr_info"`
}

func renderAddrs(links []*fakeLink) string {
	out := make([]jsonAddr, 0, len(links))
	for i, l := range links {
		entry := jsonAddr{Index: i + 1, Name: l.name, AddrInfo: []jsonAddrInfo{}}
		for _, addr := range l.addrs {
			ip, network, _ := net.ParseCIDR(addr)
			ones, _ := network.Mask.Size()
			scope := "global"
			if ip.IsLoopback() {
				scope = "host"
			}
			entry.AddrInfo = append(entry.AddrInfo, jsonAddrInfo{Family: "inet", Local: ip.String(), PrefixLen: ones, Scope: scope})
		}
		out = append(out, entry)
	}
	data, _ := json.Marshal(out)
	return string(data) + "\n"
}

// snapshot renders the full fake host state deterministically.
func (h *fakeHost) snapshot() string {
	var b strings.Builder
	names := make([]string, 0, len(h.netns))
	for name := range h.netns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		netns := h.netns[name]
		fmt.Fprintf(&b, "netns %q\n", name)
		for _, l := range sortedLinks(netns) {
			fmt.Fprintf(&b, "  link %s kind=%s alias=%s master=%s peer=%s mac=%s up=%t addrs=%v\n",
				l.name, l.kind, l.alias, l.master, l.peer, l.mac, l.up, l.addrs)
		}
		dsts := make([]string, 0, len(netns.routes))
		for dst := range netns.routes {
			dsts = append(dsts, dst)
		}
		sort.Strings(dsts)
		for _, dst := range dsts {
			fmt.Fprintf(&b, "  route %s via %s\n", dst, netns.routes[dst])
		}
		keys := make([]string, 0, len(netns.rules))
		for key := range netns.rules {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			for _, rule := range netns.rules[key] {
				fmt.Fprintf(&b, "  rule %s %s\n", key, rule)
			}
		}
	}

	return b.String()
}

// mutations returns the recorded calls that change host state.
func (h *fakeHost) mutations() []string {
	var out []string
	for _, call := range h.calls {
		if strings.Contains(call, " show") || strings.Contains(call, "netns list") || strings.Contains(call, " -C ") {
			continue
		}
		out = append(out, call)
	}
	return out
}

func (h *fakeHost) routes(ns string) map[string]string {
	h.t.Helper()
	netns, ok := h.netns[ns]
	if !ok {
		h.t.Fatalf("namespace %s does not exist", ns)
	}
	return netns.routes
}

func (h *fakeHost) rules(ns, table, chain string) []string {
	h.t.Helper()
	netns, ok := h.netns[ns]
	if !ok {
		h.t.Fatalf("namespace %s does not exist", ns)
	}
	return netns.rules[table+"/"+chain]
}
