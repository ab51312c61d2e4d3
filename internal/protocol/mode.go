package protocol

// TransferMode records which kind of physical transport carried a transfer.
type TransferMode uint8

const (
	ModeUnknown TransferMode = iota
	ModeP2P
	ModeRelay
	ModeStoreForward
)

func (m TransferMode) String() string {
	switch m {
	case ModeP2P:
		return "p2p"
	case ModeRelay:
		return "relay"
	case ModeStoreForward:
		return "store-and-forward"
	default:
		return "unknown"
	}
}

// Direction distinguishes incoming from outgoing transfers in mode records.
type Direction uint8

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}
