package shared

// FilterAction is the verdict a tcp_filter/udp_filter/other_filter hook can
// return.
type FilterAction int

const (
	// ActionAccept passes the data through, optionally replacing it.
	ActionAccept FilterAction = iota
	// ActionReject tears down the connection (TCP) or drops the packet
	// (UDP/other).
	ActionReject
	// ActionAlert is logging-only: it never alters dispatch, and is
	// equivalent to "no action taken" for every purpose except being
	// recorded as the outcome passed to the corresponding *_log hook.
	ActionAlert
)

func (a FilterAction) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	case ActionAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// FilterOutcome is the result of a filter hook chain: the verdict plus an
// optional replacement payload. A nil *FilterOutcome means every plugin
// declined (returned nil), which is pass-through with the data unchanged.
type FilterOutcome struct {
	Action FilterAction
	// Data is the replacement payload. Nil means "keep the input
	// unchanged" even when Action is ActionAccept.
	Data []byte
}
