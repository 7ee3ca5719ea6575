package shared

// Metadata is an immutable record describing one packet or byte chunk:
// where it came from, where it is going, and which tunnel/peer direction it
// travelled.
//
// Direction is always populated. ConnDirection is nil for UDP datagrams,
// "other" IP packets, and the initial TCP tcp_new_connection event (the
// "bare direction" variant used for UDP/other traffic); it is non-nil for TCP
// byte-stream events, where it indicates which peer of the connection the
// data is being delivered to.
type Metadata struct {
	SrcIP   string
	SrcPort int
	DstIP   string
	DstPort int

	Direction     ProxyDirection
	ConnDirection *ConnectionDirection
}

// NewMetadata builds the bare-direction variant, used for UDP, "other" IP
// packets, and the tcp_new_connection event.
func NewMetadata(srcIP string, srcPort int, dstIP string, dstPort int, direction ProxyDirection) Metadata {
	return Metadata{SrcIP: srcIP, SrcPort: srcPort, DstIP: dstIP, DstPort: dstPort, Direction: direction}
}

// NewStreamMetadata builds the paired-direction variant used for TCP
// byte-stream events: the network-half direction plus which peer the bytes
// are heading to.
func NewStreamMetadata(srcIP string, srcPort int, dstIP string, dstPort int, direction ProxyDirection, connDirection ConnectionDirection) Metadata {
	return Metadata{SrcIP: srcIP, SrcPort: srcPort, DstIP: dstIP, DstPort: dstPort, Direction: direction, ConnDirection: &connDirection}
}

// IsStreamVariant reports whether this Metadata carries a ConnectionDirection.
func (m Metadata) IsStreamVariant() bool {
	return m.ConnDirection != nil
}
