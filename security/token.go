// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

import (
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/rtps/cdr"
)

// BinaryProperty is a named octet sequence.
type BinaryProperty struct {
	Name      string
	Value     []byte
	Propagate bool
}

// DataHolder is the generic token container.
type DataHolder struct {
	ClassID          string
	Properties       rtps.PropertyPolicy
	BinaryProperties []BinaryProperty
}

// Token kinds. All of them share the DataHolder layout.
type (
	IdentityToken                    = DataHolder
	PermissionsToken                 = DataHolder
	HandshakeMessageToken            = DataHolder
	AuthenticatedPeerCredentialToken = DataHolder
	CryptoToken                      = DataHolder
)

// Binary returns the value of the binary property called name.
func (h *DataHolder) Binary(name string) ([]byte, bool) {
	for _, p := range h.BinaryProperties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// SetBinary adds or replaces a propagated binary property.
func (h *DataHolder) SetBinary(name string, value []byte) {
	for i := range h.BinaryProperties {
		if h.BinaryProperties[i].Name == name {
			h.BinaryProperties[i].Value = value
			return
		}
	}
	h.BinaryProperties = append(h.BinaryProperties, BinaryProperty{
		Name:      name,
		Value:     value,
		Propagate: true,
	})
}

// IsEmpty reports whether h carries nothing.
func (h *DataHolder) IsEmpty() bool {
	return h.ClassID == "" && len(h.Properties) == 0 && len(h.BinaryProperties) == 0
}

func encodeDataHolder(enc *cdr.Encoder, h *DataHolder) {
	enc.String(h.ClassID)

	var props rtps.PropertyPolicy
	for _, p := range h.Properties {
		if p.Propagate {
			props = append(props, p)
		}
	}
	enc.Uint32(uint32(len(props)))
	for _, p := range props {
		enc.String(p.Name)
		enc.String(p.Value)
	}

	var bins []BinaryProperty
	for _, p := range h.BinaryProperties {
		if p.Propagate {
			bins = append(bins, p)
		}
	}
	enc.Uint32(uint32(len(bins)))
	for _, p := range bins {
		enc.String(p.Name)
		enc.Octets(p.Value)
	}
}

func decodeDataHolder(dec *cdr.Decoder) DataHolder {
	var h DataHolder
	h.ClassID = dec.String()
	n := dec.Length()
	for i := 0; i < n && dec.Err() == nil; i++ {
		name := dec.String()
		value := dec.String()
		h.Properties = append(h.Properties, rtps.Property{Name: name, Value: value, Propagate: true})
	}
	n = dec.Length()
	for i := 0; i < n && dec.Err() == nil; i++ {
		name := dec.String()
		value := dec.Octets()
		h.BinaryProperties = append(h.BinaryProperties, BinaryProperty{Name: name, Value: value, Propagate: true})
	}
	return h
}

// MarshalToken serializes a token for carriage in discovery data.
func MarshalToken(h *DataHolder) []byte {
	enc, _ := cdr.NewEncoder(cdr.CDRLE)
	encodeDataHolder(enc, h)
	return enc.Bytes()
}

// UnmarshalToken parses a token produced by MarshalToken.
func UnmarshalToken(b []byte) (DataHolder, error) {
	dec, err := cdr.NewDecoder(b)
	if err != nil {
		return DataHolder{}, err
	}
	h := decodeDataHolder(dec)
	if err := dec.Err(); err != nil {
		return DataHolder{}, err
	}
	return h, nil
}
