package provisioner

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type interfaceFields struct {
	IfType      string `json:"iftype"`
	IPv4Address string `json:"ipv4_address"`
}

// MarshalJSON re-encodes Facts with interfaces in the same order they're
// held, so a round trip through JSON is order-preserving both ways.
func (f Facts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"interfaces":{`)
	for i, iface := range f.Interfaces {
		if i > 0 {
			buf.WriteByte(',')
		}
		nameJSON, err := json.Marshal(iface.Name)
		if err != nil {
			return nil, err
		}
		fieldsJSON, err := json.Marshal(interfaceFields{IfType: iface.IfType, IPv4Address: iface.IPv4Address})
		if err != nil {
			return nil, err
		}
		buf.Write(nameJSON)
		buf.WriteByte(':')
		buf.Write(fieldsJSON)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the `interfaces` object key-by-key with a
// streaming token decoder instead of into a Go map, because map
// iteration order is randomized and §4.5 step 2 requires picking "the
// first candidate in enumeration order" deterministically.
func (f *Facts) UnmarshalJSON(data []byte) error {
	var raw struct {
		Interfaces json.RawMessage `json:"interfaces"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("provisioner: facts: %w", err)
	}
	if len(raw.Interfaces) == 0 {
		f.Interfaces = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Interfaces))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("provisioner: facts: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("provisioner: facts: interfaces must be a JSON object")
	}

	var interfaces []Interface
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("provisioner: facts: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("provisioner: facts: interface key must be a string")
		}
		var fields interfaceFields
		if err := dec.Decode(&fields); err != nil {
			return fmt.Errorf("provisioner: facts: interface %q: %w", name, err)
		}
		interfaces = append(interfaces, Interface{
			Name:        name,
			IfType:      fields.IfType,
			IPv4Address: fields.IPv4Address,
		})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("provisioner: facts: %w", err)
	}

	f.Interfaces = interfaces
	return nil
}
