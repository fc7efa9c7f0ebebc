package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame labels. A frame travels as a JSON array: [label, args...].
const (
	LabelAuth   = "AUTH"   // relay -> us: ["AUTH", challenge]; us -> relay: ["AUTH", challenge, pubkey, sig]
	LabelSign   = "SIGN"   // relay -> us: ["SIGN", client, account, command]
	LabelSigned = "SIGNED" // us -> relay: ["SIGNED", client, command, sig]
	LabelDenied = "DENIED" // us -> relay: ["DENIED", client, command]
	LabelNotice = "NOTICE"
)

type Frame struct {
	Label string
	Args  []string
}

func (f Frame) Arg(i int) string {
	if i < 0 || i >= len(f.Args) {
		return ""
	}
	return f.Args[i]
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Label == "" {
		return nil, errors.New("relay: frame without label")
	}
	arr := make([]string, 0, len(f.Args)+1)
	arr = append(arr, f.Label)
	arr = append(arr, f.Args...)
	return json.Marshal(arr)
}

// DecodeFrame parses a frame. Non-string arguments are kept as their raw JSON.
func DecodeFrame(b []byte) (Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return Frame{}, fmt.Errorf("relay: bad frame: %w", err)
	}
	if len(arr) == 0 {
		return Frame{}, errors.New("relay: empty frame")
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return Frame{}, fmt.Errorf("relay: bad frame label: %w", err)
	}
	f := Frame{Label: label, Args: make([]string, 0, len(arr)-1)}
	for _, raw := range arr[1:] {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		f.Args = append(f.Args, s)
	}
	return f, nil
}
