package acomms

import (
	"encoding/hex"
	"fmt"
	"strings"
)

func IfThenElse[T any](x bool, a T, b T) T { //nolint:ireturn
	if x {
		return a
	} else {
		return b
	}
}

// Frame payloads travel as upper case hex in CCTXD and CARXD.
func hexFromData(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

func dataFromHex(s string) ([]byte, error) {
	var data, err = hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: hex payload: %w", ErrMalformed, err)
	}

	return data, nil
}
