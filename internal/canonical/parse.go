package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Parse decodes a single JSON document into a Value. Number literals are
// preserved and duplicate object keys resolve to the last occurrence.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("parse json: unexpected data after top-level value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("parse json: %w", err)
	}

	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t.String()), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			return parseArray(dec)
		case '{':
			return parseObject(dec)
		}
		return Value{}, fmt.Errorf("parse json: unexpected delimiter %q", t)
	default:
		return Value{}, fmt.Errorf("parse json: unexpected token %T", tok)
	}
}

func parseArray(dec *json.Decoder) (Value, error) {
	v := Value{kind: KindArray, items: []Value{}}
	for dec.More() {
		item, err := parseValue(dec)
		if err != nil {
			return Value{}, err
		}
		v.items = append(v.items, item)
	}
	// Consume ']'.
	if _, err := dec.Token(); err != nil {
		return Value{}, fmt.Errorf("parse json: %w", err)
	}
	return v, nil
}

func parseObject(dec *json.Decoder) (Value, error) {
	v := Value{kind: KindObject, members: []Member{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, fmt.Errorf("parse json: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("parse json: object key is %T, not string", tok)
		}
		val, err := parseValue(dec)
		if err != nil {
			return Value{}, err
		}
		v.members = setMember(v.members, key, val)
	}
	// Consume '}'.
	if _, err := dec.Token(); err != nil {
		return Value{}, fmt.Errorf("parse json: %w", err)
	}
	return v, nil
}
