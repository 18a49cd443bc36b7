package requester

import (
	"encoding/json"
	"time"
)

func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func timeNow() time.Time {
	return time.Now().UTC()
}
