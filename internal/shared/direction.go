// Package shared holds the small value types threaded through every layer
// of the proxy: packet direction, connection direction, and metadata.
package shared

// ProxyDirection identifies which tunnel a packet entered on.
// INBOUND means "from the untrusted network toward the protected service";
// OUTBOUND is the inverse.
type ProxyDirection int

const (
	Inbound ProxyDirection = iota
	Outbound
)

// Invert returns the opposite ProxyDirection.
func (d ProxyDirection) Invert() ProxyDirection {
	if d == Inbound {
		return Outbound
	}
	return Inbound
}

func (d ProxyDirection) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// ConnectionDirection identifies which peer of a TCP connection a byte is
// heading to.
type ConnectionDirection int

const (
	ToServer ConnectionDirection = iota
	ToClient
)

// Invert returns the opposite ConnectionDirection.
func (d ConnectionDirection) Invert() ConnectionDirection {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

func (d ConnectionDirection) String() string {
	if d == ToServer {
		return "to_server"
	}
	return "to_client"
}
