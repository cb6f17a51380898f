package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Failure is the code and description recorded on every failure transition.
// It is stored as a JSON column and defaults to the empty object.
type Failure struct {
	Code string `json:"code,omitempty"`
	Desc string `json:"desc,omitempty"`
}

func NewFailure(code, desc string) Failure {
	return Failure{Code: strings.TrimSpace(code), Desc: strings.TrimSpace(desc)}
}

func (f Failure) IsEmpty() bool { return f.Code == "" && f.Desc == "" }

func (f Failure) Value() (driver.Value, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (f *Failure) Scan(value any) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*f = Failure{}
		return nil
	case []byte:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		return errors.New("invalid_failure_column")
	}
	if len(raw) == 0 {
		*f = Failure{}
		return nil
	}
	// The column may hold a non-string code written by older rows.
	var loose struct {
		Code json.RawMessage `json:"code"`
		Desc string          `json:"desc"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return err
	}
	var code string
	if err := json.Unmarshal(loose.Code, &code); err != nil {
		code = strings.TrimSpace(string(loose.Code))
	}
	if code == "null" {
		code = ""
	}
	*f = Failure{Code: code, Desc: loose.Desc}
	return nil
}

func (Failure) GormDataType() string { return "json" }

func (Failure) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	default:
		return "JSON"
	}
}
