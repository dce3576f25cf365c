// ABOUTME: Coverage gazetteer and fuzzy zone validation for the dispatch area
// ABOUTME: Matches city names against covered and explicitly rejected localities

package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ErrNotCovered is returned when the location is a known city outside the
// service area.
var ErrNotCovered = errors.New("zone not covered")

// DefaultZoneThreshold is the similarity a keyword match must exceed.
const DefaultZoneThreshold = 0.8

// Covered zones.
const (
	ZoneBarranquilla   = "BARRANQUILLA"
	ZoneSoledad        = "SOLEDAD"
	ZonePuertoColombia = "PUERTO_COLOMBIA"
	ZoneGalapa         = "GALAPA"
)

// zoneKeywords maps each covered zone to the phrases callers use for it.
var zoneKeywords = map[string][]string{
	ZoneBarranquilla: {
		"barranquilla", "atlantico", "b/quilla", "baq",
		"centro", "norte", "sur", "metropolitana", "riomar",
		"prado", "el prado", "alto prado",
	},
	ZoneSoledad: {
		"soledad", "municipio soledad", "soledad atlantico",
		"katanga", "villa katanga",
	},
	ZonePuertoColombia: {
		"puerto colombia", "puerto", "salgar", "sabanilla",
		"pradomar", "puerto velero", "miramar",
	},
	ZoneGalapa: {
		"galapa", "municipio galapa", "galapa atlantico",
	},
}

// outOfCoverage lists cities the service explicitly rejects.
var outOfCoverage = map[string][]string{
	"CARTAGENA":   {"cartagena", "ctg", "bolivar"},
	"SANTA_MARTA": {"santa marta", "santa", "marta", "samario"},
	"BOGOTA":      {"bogota", "distrito capital"},
	"MEDELLIN":    {"medellin"},
	"CALI":        {"cali", "valle"},
	"MONTERIA":    {"monteria"},
	"SINCELEJO":   {"sincelejo"},
	"VALLEDUPAR":  {"valledupar"},
}

// ZoneResult is the outcome of a coverage check. An empty Zone with a
// non-empty Reason means the location could not be recognized and the stage
// should ask a clarifying question.
type ZoneResult struct {
	Zone       string
	Confidence float64
	Reason     string
}

// KnownCity reports whether the text names any city the gazetteer knows,
// covered or not. The parser uses it to split city off an address tail.
func KnownCity(text string) bool {
	norm := NormalizeText(text)
	for _, zone := range []string{"barranquilla", "soledad", "puerto colombia", "galapa"} {
		if norm == zone {
			return true
		}
	}
	for _, keywords := range outOfCoverage {
		for _, kw := range keywords {
			if norm == kw {
				return true
			}
		}
	}
	return false
}

// Similarity scores two strings in [0,1]: exact match 1.0, substring 0.9,
// otherwise a Levenshtein ratio over the normalized forms.
func Similarity(a, b string) float64 {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == nb {
		return 1.0
	}
	if na != "" && nb != "" && (strings.Contains(na, nb) || strings.Contains(nb, na)) {
		return 0.9
	}

	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1.0 - float64(dist)/float64(longest)
}

// ValidateZone checks whether a location is inside the service area. City is
// preferred; when absent the neighborhood text is matched instead. A match
// against an out-of-coverage city returns ErrNotCovered; an unrecognized
// location returns a clarification reason with no error.
func ValidateZone(neighborhood, city string, threshold float64) (*ZoneResult, error) {
	if threshold <= 0 {
		threshold = DefaultZoneThreshold
	}

	candidate := strings.TrimSpace(city)
	if candidate == "" {
		candidate = strings.TrimSpace(neighborhood)
	}
	if candidate == "" {
		return &ZoneResult{
			Reason: "Para validar la zona, necesito saber en qué ciudad estás. ¿Es Barranquilla, Soledad, Puerto Colombia o Galapa?",
		}, nil
	}

	for outCity, keywords := range outOfCoverage {
		for _, kw := range keywords {
			if Similarity(candidate, kw) > threshold {
				name := titleCase(strings.ReplaceAll(strings.ToLower(outCity), "_", " "))
				return nil, fmt.Errorf("%w: %s esta fuera de cobertura, solo atendemos Barranquilla, Soledad, Puerto Colombia y Galapa", ErrNotCovered, name)
			}
		}
	}

	best := &ZoneResult{}
	for zone, keywords := range zoneKeywords {
		for _, kw := range keywords {
			score := Similarity(candidate, kw)
			if score > threshold && score > best.Confidence {
				best.Zone = zone
				best.Confidence = score
			}
		}
	}
	if best.Zone != "" {
		return best, nil
	}

	return &ZoneResult{
		Reason: fmt.Sprintf("No reconozco '%s'. ¿Es Barranquilla, Soledad, Puerto Colombia o Galapa?", candidate),
	}, nil
}
