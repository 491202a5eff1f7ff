package clients

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// envelope common response wrapper of the cabinet API.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Items   json.RawMessage `json:"items"`
}

func (e envelope) failed() bool {
	return e.Success != nil && !*e.Success
}

func (e envelope) errorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// listItems maps the known list shapes onto one array:
// {items: [...]}, {data: [...]} and {data: {items: [...]}}.
// ok is false when none of them is present.
func (e envelope) listItems() (json.RawMessage, bool) {
	if isArray(e.Items) {
		return e.Items, true
	}
	if isArray(e.Data) {
		return e.Data, true
	}

	if isObject(e.Data) {
		var nested struct {
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(e.Data, &nested); err == nil && isArray(nested.Items) {
			return nested.Items, true
		}
	}

	return nil, false
}

// decodeList decodes the list carried by the envelope. A missing list yields no items.
func decodeList[T any](e envelope) ([]T, error) {
	raw, ok := e.listItems()
	if !ok {
		return nil, nil
	}

	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(err, "decode list items")
	}

	return items, nil
}

// decodeData decodes the object under data.
func decodeData(e envelope, target any) error {
	if !isObject(e.Data) {
		return errors.New("response has no data object")
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return errors.Wrap(err, "decode response data")
	}
	return nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// amount decimal that accepts numbers, numeric strings, "" and null. Missing values are zero.
type amount struct {
	decimal.Decimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}

	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" {
		a.Decimal = decimal.Zero
		return nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return errors.Wrapf(err, "decode amount %q", s)
	}
	a.Decimal = d

	return nil
}

// flexString identifier that may come as a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*f = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "decode string")
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrapf(err, "decode identifier %s", string(b))
	}
	*f = flexString(n.String())

	return nil
}

func (f flexString) String() string {
	return string(f)
}
