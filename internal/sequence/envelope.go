// Package sequence restores per-sender order of activities that arrive over
// an unreliable network. Each remote sender gets its own reorder Queue, the
// Manager owns the queues of all known peers.
package sequence

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
)

// Envelope pairs an activity with its sender and the sender's sequence number.
// Envelopes are values and are ordered by Seq only.
type Envelope struct {
	Sender   protocol.PeerID   `cbor:"1,keyasint"`
	Seq      uint32            `cbor:"2,keyasint"`
	Activity activity.Activity `cbor:"3,keyasint"`
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s#%d", e.Sender, e.Seq)
}

// item is an envelope waiting in a Queue together with its local arrival time.
type item struct {
	env     Envelope
	arrived time.Time
}

// EncodeBatch serializes envelopes for one ACTIVITY transfer.
func EncodeBatch(envs []Envelope) ([]byte, error) {
	data, err := cbor.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("encode envelope batch: %w", err)
	}
	return data, nil
}

// DecodeBatch is the inverse of EncodeBatch. Activities are validated and every
// envelope must carry the given sender, so a peer cannot inject envelopes on
// behalf of somebody else.
func DecodeBatch(data []byte, sender protocol.PeerID) ([]Envelope, error) {
	var envs []Envelope
	if err := cbor.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decode envelope batch: %w", err)
	}
	for i := range envs {
		if envs[i].Sender != sender {
			return nil, fmt.Errorf("envelope %s in batch from %s", envs[i], sender)
		}
		if err := envs[i].Activity.Validate(); err != nil {
			return nil, fmt.Errorf("envelope %s: %w", envs[i], err)
		}
	}
	return envs, nil
}
