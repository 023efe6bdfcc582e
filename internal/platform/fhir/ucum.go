package fhir

import "strings"

// Quantity search needs unit-aware equivalence: 1500 g must match 1.5 kg,
// and the UCUM code [lb_av] must match the customary spelling lbs. Instead
// of a full UCUM implementation the server canonicalizes codes to a base
// unit and a scale factor, which covers metric prefixes, the common
// synonyms, and simple quotient units such as cL/s.

// metricPrefixes maps UCUM prefix symbols to powers of ten.
var metricPrefixes = map[string]float64{
	"Y": 1e24, "Z": 1e21, "E": 1e18, "P": 1e15, "T": 1e12, "G": 1e9,
	"M": 1e6, "k": 1e3, "h": 1e2, "da": 1e1,
	"d": 1e-1, "c": 1e-2, "m": 1e-3, "u": 1e-6, "n": 1e-9, "p": 1e-12,
	"f": 1e-15, "a": 1e-18, "z": 1e-21, "y": 1e-24,
}

// baseUnits are the atoms metric prefixes apply to.
var baseUnits = map[string]bool{
	"g": true, "m": true, "s": true, "L": true, "l": true, "mol": true,
	"Pa": true, "J": true, "W": true, "Hz": true, "K": true, "cal": true,
	"eq": true, "U": true, "kat": true, "bar": true,
}

// unitSynonyms maps customary spellings onto UCUM atoms with a conversion
// factor into the atom's canonical base.
var unitSynonyms = map[string]struct {
	base   string
	factor float64
}{
	"lbs":     {"g", 453.59237},
	"lb":      {"g", 453.59237},
	"[lb_av]": {"g", 453.59237},
	"oz":      {"g", 28.349523125},
	"[oz_av]": {"g", 28.349523125},
	"[in_i]":  {"m", 0.0254},
	"in":      {"m", 0.0254},
	"[ft_i]":  {"m", 0.3048},
	"ft":      {"m", 0.3048},
	"min":     {"s", 60},
	"h":       {"s", 3600},
	"d":       {"s", 86400},
	"wk":      {"s", 604800},
	"a":       {"s", 31557600},
	"mo":      {"s", 2629800},
	"Cel":     {"Cel", 1},
	"[degF]":  {"[degF]", 1},
	"%":       {"%", 1},
	"mm[Hg]":  {"mm[Hg]", 1},
}

// canonicalUnit resolves a single UCUM atom (optionally prefixed) into its
// base unit and scale factor. Unknown codes canonicalize to themselves with
// factor 1, so unrecognized units still compare by literal equality.
func canonicalUnit(code string) (string, float64) {
	if code == "" {
		return "", 1
	}
	if syn, ok := unitSynonyms[code]; ok {
		return syn.base, syn.factor
	}
	if baseUnits[code] {
		if code == "l" {
			return "L", 1
		}
		return code, 1
	}
	// Try prefix + base, longest prefix first so "da" beats "d".
	for _, plen := range []int{2, 1} {
		if len(code) <= plen {
			continue
		}
		prefix, rest := code[:plen], code[plen:]
		factor, ok := metricPrefixes[prefix]
		if !ok {
			continue
		}
		if baseUnits[rest] {
			if rest == "l" {
				rest = "L"
			}
			return rest, factor
		}
		if syn, ok := unitSynonyms[rest]; ok && syn.base != rest {
			return syn.base, factor * syn.factor
		}
	}
	return code, 1
}

// CanonicalizeUnit normalizes a UCUM code into (canonical code, factor). A
// quantity of v in the input code equals v*factor in the canonical code.
// Quotient units normalize component-wise: cL/s becomes L/s with factor
// 0.01.
func CanonicalizeUnit(code string) (string, float64) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", 1
	}
	if !strings.Contains(code, "/") {
		return canonicalUnit(code)
	}
	parts := strings.Split(code, "/")
	factor := 1.0
	canon := make([]string, len(parts))
	for i, p := range parts {
		c, f := canonicalUnit(p)
		canon[i] = c
		if i == 0 {
			factor *= f
		} else {
			factor /= f
		}
	}
	return strings.Join(canon, "/"), factor
}

// UnitsComparable reports whether two codes canonicalize to the same base
// unit, and returns the factor converting a value in code a to code b.
func UnitsComparable(a, b string) (float64, bool) {
	ca, fa := CanonicalizeUnit(a)
	cb, fb := CanonicalizeUnit(b)
	if ca != cb {
		return 0, false
	}
	return fa / fb, true
}
