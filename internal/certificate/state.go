package certificate

// State is a step of an issuance attempt.
type State int

const (
	StateStart State = iota
	StateFingerprinted
	StateDedupChecked
	StateArchived
	StateLedgerAppended
	StateIndexed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFingerprinted:
		return "fingerprinted"
	case StateDedupChecked:
		return "dedup_checked"
	case StateArchived:
		return "archived"
	case StateLedgerAppended:
		return "ledger_appended"
	case StateIndexed:
		return "indexed"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}
