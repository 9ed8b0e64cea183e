// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package rtps

// Property is a name/value pair. Only propagated properties are sent on the
// wire.
type Property struct {
	Name      string
	Value     string
	Propagate bool
}

// PropertyPolicy is an ordered property list.
type PropertyPolicy []Property

// Find returns the value of the first property called name.
func (p PropertyPolicy) Find(name string) (string, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return "", false
}

// Set replaces the value of name, appending it when absent.
func (p *PropertyPolicy) Set(name, value string) {
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Property{Name: name, Value: value})
}

// WithPrefix returns the properties whose name starts with prefix.
func (p PropertyPolicy) WithPrefix(prefix string) PropertyPolicy {
	var out PropertyPolicy
	for _, prop := range p {
		if len(prop.Name) >= len(prefix) && prop.Name[:len(prefix)] == prefix {
			out = append(out, prop)
		}
	}
	return out
}
