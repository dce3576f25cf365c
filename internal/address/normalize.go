// ABOUTME: Text normalization helpers shared by the parser and zone matching
// ABOUTME: Includes the short-form conversion the geocoding endpoint expects

package address

import (
	"regexp"
	"sort"
	"strings"
)

var accentReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ñ", "n",
)

// NormalizeText lowercases and strips Spanish accents for comparison.
func NormalizeText(text string) string {
	return accentReplacer.Replace(strings.ToLower(strings.TrimSpace(text)))
}

// Geocoding short forms. The backend wants "cr 53 106", not
// "Carrera 53 # 106 - 89".
var geocodeAbbreviations = map[string]string{
	"carrera": "cr", "cra": "cr", "cr": "cr", "kr": "cr", "kra": "cr",
	"calle": "cl", "cll": "cl", "cl": "cl",
	"diagonal": "DIAG", "diag": "DIAG", "dg": "DIAG",
	"transversal": "TV", "transv": "TV", "tv": "TV",
	"avenida": "AV", "av": "AV", "ave": "AV",
	"circular": "CIRC", "circ": "CIRC",
	"manzana": "MZ", "mz": "MZ", "man": "MZ",
	"lote": "LT", "lt": "LT",
	"kilometro": "KM", "kilómetro": "KM", "km": "KM",
}

var (
	geocodeNumberWordRe = regexp.MustCompile(`(?i)\b(numero|num|nro)\b\.?\s*`)
	geocodeRangeRe      = regexp.MustCompile(`(\d+)-\d+`)
	doubleNomenclature1 = regexp.MustCompile(`\b(cl|cr)\s+(\w+)\s+\d+\s+(cr|cl)\s+(\w+)`)
	doubleNomenclature2 = regexp.MustCompile(`\b(cl|cr)\s+(\w+)\s+(cr|cl)\s+(\w+)`)
	firstTwoComponents  = regexp.MustCompile(`(\b(?:cl|cr|DIAG|TV|AV|CIRC|MZ|LT|KM)\s+\w+\s+\w+)\b.*`)
)

var sortedAbbreviationPatterns = func() []string {
	patterns := make([]string, 0, len(geocodeAbbreviations))
	for p := range geocodeAbbreviations {
		patterns = append(patterns, p)
	}
	// Longest first so "carrera" wins over "cr".
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })
	return patterns
}()

// NormalizeForGeocoding converts an address to the abbreviated two-component
// form the geocoding API accepts: "Calle 72 # 43 - 25" -> "cl 72 43".
func NormalizeForGeocoding(addr string) string {
	if addr == "" {
		return ""
	}

	n := strings.ToLower(addr)
	n = strings.ReplaceAll(n, "#", "")
	n = strings.ReplaceAll(n, ",", " ")
	n = geocodeNumberWordRe.ReplaceAllString(n, "")

	// Ranges first: "30-50" is the cross number 30, not two numbers.
	n = geocodeRangeRe.ReplaceAllString(n, "$1")

	for _, pattern := range sortedAbbreviationPatterns {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(pattern) + `\b\.?`)
		n = re.ReplaceAllString(n, geocodeAbbreviations[pattern])
	}

	// "cl 45 12 cr 5" -> "cl 45 5"; "cl 88b cr 77" -> "cl 88b 77".
	n = doubleNomenclature1.ReplaceAllString(n, "$1 $2 $4")
	n = doubleNomenclature2.ReplaceAllString(n, "$1 $2 $4")

	if m := firstTwoComponents.FindStringSubmatch(n); m != nil {
		n = m[1]
	}

	return strings.TrimSpace(spacesRe.ReplaceAllString(n, " "))
}
