package plugin

// HookName identifies one of the 14 dispatch points in the pipeline
// the hook chain dispatches.
type HookName string

const (
	HookTCPNewConnection    HookName = "tcp_new_connection"
	HookTCPConnectionClosed HookName = "tcp_connection_closed"
	HookTCPDecrypt          HookName = "tcp_decrypt"
	HookTCPFilter           HookName = "tcp_filter"
	HookTCPLog              HookName = "tcp_log"
	HookTCPEncrypt          HookName = "tcp_encrypt"

	HookUDPDecrypt HookName = "udp_decrypt"
	HookUDPFilter  HookName = "udp_filter"
	HookUDPLog     HookName = "udp_log"
	HookUDPEncrypt HookName = "udp_encrypt"

	HookOtherDecrypt HookName = "other_decrypt"
	HookOtherFilter  HookName = "other_filter"
	HookOtherLog     HookName = "other_log"
	HookOtherEncrypt HookName = "other_encrypt"
)

// hookKind distinguishes the two dispatch strategies a hook can use:
// a unit-return hook fans out to every plugin, an optional-return hook runs
// plugins in registration order until the first non-nil result wins.
type hookKind int

const (
	hookFanout hookKind = iota
	hookShortCircuit
)

// hookKinds is the static replacement for the source's reflective lookup
// on PluginBase (Design Notes §9, "Dynamic hook discovery via name lookup
// on a base class"). It backs AllHooks and HookName.Kind, which nothing
// else in the repository calls — actual dispatch is the typed code in
// manager.go, not a generic loop over this table.
var hookKinds = map[HookName]hookKind{
	HookTCPNewConnection:    hookFanout,
	HookTCPConnectionClosed: hookFanout,
	HookTCPDecrypt:          hookShortCircuit,
	HookTCPFilter:           hookShortCircuit,
	HookTCPLog:              hookFanout,
	HookTCPEncrypt:          hookShortCircuit,

	HookUDPDecrypt: hookShortCircuit,
	HookUDPFilter:  hookShortCircuit,
	HookUDPLog:     hookFanout,
	HookUDPEncrypt: hookShortCircuit,

	HookOtherDecrypt: hookShortCircuit,
	HookOtherFilter:  hookShortCircuit,
	HookOtherLog:     hookFanout,
	HookOtherEncrypt: hookShortCircuit,
}

// AllHooks lists every hook name in the table, in no particular order.
func AllHooks() []HookName {
	names := make([]HookName, 0, len(hookKinds))
	for name := range hookKinds {
		names = append(names, name)
	}
	return names
}

// Kind reports whether name is a fanout or short-circuit hook.
func (h HookName) Kind() string {
	switch hookKinds[h] {
	case hookFanout:
		return "fanout"
	case hookShortCircuit:
		return "short_circuit"
	default:
		return "unknown"
	}
}
