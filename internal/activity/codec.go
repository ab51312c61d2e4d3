package activity

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Marshal encodes a single activity.
func Marshal(a Activity) ([]byte, error) {
	return cbor.Marshal(a)
}

// Unmarshal decodes and validates a single activity.
func Unmarshal(data []byte) (Activity, error) {
	var a Activity
	if err := cbor.Unmarshal(data, &a); err != nil {
		return Activity{}, fmt.Errorf("decode activity: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Activity{}, err
	}
	return a, nil
}
