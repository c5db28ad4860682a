package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FlagKind is the tag of a policy flag variant.
type FlagKind string

const (
	FlagOrganicRequired    FlagKind = "organic_required"
	FlagLocalPreferred     FlagKind = "local_preferred"
	FlagNoArtificialDyes   FlagKind = "no_artificial_dyes"
	FlagWholeGrainRequired FlagKind = "whole_grain_required"
	FlagSugarLimit         FlagKind = "sugar_limit"
	FlagLowFatRequired     FlagKind = "low_fat_required"
	FlagContractBrandOnly  FlagKind = "contract_brand_only"
	FlagOther              FlagKind = "other"
)

var knownFlagKinds = map[FlagKind]bool{
	FlagOrganicRequired:    true,
	FlagLocalPreferred:     true,
	FlagNoArtificialDyes:   true,
	FlagWholeGrainRequired: true,
	FlagSugarLimit:         true,
	FlagLowFatRequired:     true,
	FlagContractBrandOnly:  true,
	FlagOther:              true,
}

// Valid reports whether k is part of the vocabulary.
func (k FlagKind) Valid() bool { return knownFlagKinds[k] }

// PolicyFlag is one additional restriction. Value carries an optional
// parameter (e.g. "6g per oz" for a sugar limit, or the free text of an
// "other" flag).
type PolicyFlag struct {
	Kind  FlagKind `json:"kind"`
	Value string   `json:"value,omitempty"`
}

// PolicyFlags is the set of additional restrictions on an entry, at most one per kind
// except FlagOther which may repeat with distinct values.
type PolicyFlags []PolicyFlag

// Has reports whether a flag of kind k is present.
func (f PolicyFlags) Has(k FlagKind) bool {
	for _, flag := range f {
		if flag.Kind == k {
			return true
		}
	}
	return false
}

// Set adds or replaces the flag of kind k. "other" flags are appended unless
// an identical value is already present.
func (f PolicyFlags) Set(k FlagKind, value string) PolicyFlags {
	for i, flag := range f {
		if flag.Kind != k {
			continue
		}
		if k == FlagOther {
			if flag.Value == value {
				return f
			}
			continue
		}
		f[i].Value = value
		return f
	}
	return append(f, PolicyFlag{Kind: k, Value: value})
}

// Other adds a free-form flag.
func (f PolicyFlags) Other(text string) PolicyFlags {
	return f.Set(FlagOther, text)
}

// Normalize sorts flags by kind then value and drops duplicates.
func (f PolicyFlags) Normalize() PolicyFlags {
	if len(f) == 0 {
		return nil
	}
	out := make(PolicyFlags, 0, len(f))
	seen := make(map[PolicyFlag]bool, len(f))
	for _, flag := range f {
		if seen[flag] {
			continue
		}
		seen[flag] = true
		out = append(out, flag)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// UnmarshalJSON accepts both the list form and the legacy open-map form
// ({"organic_required": true, "sugar_limit": "6g"}). Unknown keys in the map
// form become "other" flags.
func (f *PolicyFlags) UnmarshalJSON(data []byte) error {
	var list []PolicyFlag
	if err := json.Unmarshal(data, &list); err == nil {
		*f = PolicyFlags(list).Normalize()
		return nil
	}
	var legacy map[string]interface{}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("policy flags: %w", err)
	}
	var out PolicyFlags
	for key, raw := range legacy {
		value := ""
		switch v := raw.(type) {
		case bool:
			if !v {
				continue
			}
		case string:
			value = v
		case float64:
			value = fmt.Sprintf("%g", v)
		}
		kind := FlagKind(key)
		if kind == FlagOther && value != "" {
			out = out.Other(value)
			continue
		}
		if !kind.Valid() || kind == FlagOther {
			out = out.Other(key)
			continue
		}
		out = out.Set(kind, value)
	}
	*f = out.Normalize()
	return nil
}
