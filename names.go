package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
)

const (
	// MaxDeviceNameLength is IFNAMSIZ minus the trailing NUL.
	MaxDeviceNameLength = 15

	bridgeFingerprintWidth = 8
	linkFingerprintWidth   = 6
)

// Fingerprint maps a name component to a fixed-width token.
type Fingerprint func(component string, width int) string

// SHA256Fingerprint returns the first width hex digits of the SHA-256 of component.
func SHA256Fingerprint(component string, width int) string {
	sum := sha256.Sum256([]byte(component))
	return hex.EncodeToString(sum[:])[:width]
}

// LinkNames are the two device names of a veth pair plus the tag that
// identifies their owner.
type LinkNames struct {
	// Host is the end that stays in the host namespace (subnet links)
	// or attaches to the first VPC's bridge (peering links).
	Host    string
	Peer    string
	HostMAC net.HardwareAddr
	PeerMAC net.HardwareAddr
	Owner   string
}

// Namer derives device names from logical names.
type Namer struct {
	Fingerprint Fingerprint
}

// NewNamer returns a Namer using SHA256Fingerprint.
func NewNamer() *Namer {
	return &Namer{Fingerprint: SHA256Fingerprint}
}

// Bridge returns the bridge device of vpc.
// Example: br-1a2b3c4d
func (n *Namer) Bridge(vpc string) (string, error) {
	return checkDeviceName("br-" + n.Fingerprint(vpc, bridgeFingerprintWidth))
}

// SubnetLink returns the veth pair connecting subnet to the bridge of vpc.
// Example: v1a2b3c4d5e6f-h / v1a2b3c4d5e6f-n
func (n *Namer) SubnetLink(vpc, subnet string) (LinkNames, error) {
	stem := "v" + n.Fingerprint(vpc, linkFingerprintWidth) + n.Fingerprint(subnet, linkFingerprintWidth)
	return n.pair(stem, "-h", "-n", subnetOwner(vpc, subnet))
}

// PeerLink returns the veth pair connecting the bridges of a and b. The pair
// is unordered: PeerLink(a, b) and PeerLink(b, a) return the same names, and
// Host always belongs to the VPC that sorts first.
func (n *Namer) PeerLink(a, b string) (LinkNames, error) {
	a, b = orderedPair(a, b)
	stem := "p" + n.Fingerprint(a, linkFingerprintWidth) + n.Fingerprint(b, linkFingerprintWidth)
	return n.pair(stem, "-a", "-b", peerOwner(a, b))
}

func (n *Namer) pair(stem, hostSuffix, peerSuffix, owner string) (LinkNames, error) {
	host, err := checkDeviceName(stem + hostSuffix)
	if err != nil {
		return LinkNames{}, err
	}
	peer, err := checkDeviceName(stem + peerSuffix)
	if err != nil {
		return LinkNames{}, err
	}

	id := LinkID(owner)
	return LinkNames{
		Host:    host,
		Peer:    peer,
		HostMAC: GenerateMAC(id, 0x01),
		PeerMAC: GenerateMAC(id, 0x02),
		Owner:   owner,
	}, nil
}

func checkDeviceName(name string) (string, error) {
	if len(name) > MaxDeviceNameLength {
		return "", fmt.Errorf("device name %s is longer than %d bytes", name, MaxDeviceNameLength)
	}
	return name, nil
}

// checkOwner returns a NameCollisionError unless an existing device carries the wanted tag.
func checkOwner(name, alias, want string) error {
	if alias != want {
		return &NameCollisionError{Name: name, Owner: alias, Want: want}
	}
	return nil
}
