package main

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
)

// GenerateMAC generates a locally administered MAC address for one end of a link.
// Format: 02:XX:XX:XX:XX:EE (U/L bit set, XX = link ID, EE = link end)
func GenerateMAC(linkID uint32, end byte) net.HardwareAddr {
	return net.HardwareAddr{
		0x02, // Locally administered (U/L bit = 1)
		byte(linkID >> 24),
		byte(linkID >> 16),
		byte(linkID >> 8),
		byte(linkID),
		end,
	}
}

// LinkID derives a stable link ID from the owner tag of a link, so a link
// re-created on a later run gets the same addresses.
func LinkID(owner string) uint32 {
	sum := sha256.Sum256([]byte(owner))
	return binary.BigEndian.Uint32(sum[:4])
}
