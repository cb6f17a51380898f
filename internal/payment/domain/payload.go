package domain

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// RawPayload stores a gateway payload in a JSON column. Non-JSON bodies such
// as form-encoded notifications are wrapped as {"raw": "..."}.
func RawPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(append([]byte(nil), raw...))
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(raw)})
	if err != nil {
		return nil
	}
	return datatypes.JSON(wrapped)
}
