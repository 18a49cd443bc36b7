package provider

import (
	"encoding/json"
	"time"
)

func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

// reencodeDecode round-trips a generic interface{} value (as produced by
// json.Unmarshal into P2PRelayInner.Payload) through JSON into a concrete
// struct.
func reencodeDecode(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func timeNow() time.Time {
	return time.Now().UTC()
}
