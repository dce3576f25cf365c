// ABOUTME: Structured parser for Colombian street addresses
// ABOUTME: Implements the letter-plus-number suffix disambiguation and a fabrication audit

package address

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseCode classifies parse failures.
type ParseCode string

const (
	CodeAmbiguous       ParseCode = "AMBIGUOUS"
	CodeFabricatedField ParseCode = "FABRICATED_FIELD"
)

// ParseError is returned when raw text cannot be turned into a structured
// address. The owning stage recovers it as a clarifying question.
type ParseError struct {
	Code    ParseCode
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("address parse %s: %s", e.Code, e.Message)
}

// ParsedAddress is the structured form of a Colombian address.
// Example: "Carrera 50B #12-5, El Prado, Barranquilla".
type ParsedAddress struct {
	WayType       string `json:"way_type,omitempty"`
	WayNumber     string `json:"way_number,omitempty"`
	LetterSuffix  string `json:"letter_suffix,omitempty"`
	OrdinalSuffix string `json:"ordinal_suffix,omitempty"`
	CrossNumber   string `json:"cross_number,omitempty"`
	CrossLetter   string `json:"cross_letter,omitempty"`
	HouseNumber   string `json:"house_number,omitempty"`
	HouseLetter   string `json:"house_letter,omitempty"`
	PlateNumber   string `json:"plate_number,omitempty"`
	Neighborhood  string `json:"neighborhood,omitempty"`
	City          string `json:"city,omitempty"`
	References    string `json:"references,omitempty"`
}

// Spoken number words. Low words collapse into an ordinal suffix when they
// follow a letter; high words stay a separate cross number with the letter
// preserved.
var lowNumberWords = map[string]string{
	"uno": "1", "dos": "2", "tres": "3", "cuatro": "4", "cinco": "5",
	"seis": "6", "siete": "7", "ocho": "8", "nueve": "9", "diez": "10",
}

var highNumberWords = map[string]string{
	"once": "11", "doce": "12", "trece": "13", "catorce": "14", "quince": "15",
	"dieciseis": "16", "diecisiete": "17", "dieciocho": "18", "diecinueve": "19",
	"veinte": "20", "veintiuno": "21", "veintidos": "22", "veintitres": "23",
	"treinta": "30", "cuarenta": "40", "cincuenta": "50",
	"sesenta": "60", "setenta": "70", "ochenta": "80", "noventa": "90",
}

func wordToNumber(word string) string {
	w := NormalizeText(word)
	if v, ok := lowNumberWords[w]; ok {
		return v
	}
	if v, ok := highNumberWords[w]; ok {
		return v
	}
	return ""
}

var wayTypes = []string{"Calle", "Carrera", "Diagonal", "Transversal", "Avenida"}

var wayAbbreviations = map[string]string{
	"CL": "Calle", "CR": "Carrera", "KR": "Carrera",
	"DG": "Diagonal", "TV": "Transversal", "AV": "Avenida",
}

var (
	numberWordRe     = regexp.MustCompile(`(?i)\b(numero|número|num|nro|no)\b\.?\s*`)
	spacesRe         = regexp.MustCompile(`\s+`)
	referencesRe     = regexp.MustCompile(`\(([^)]+)\)`)
	abbreviationRe   = regexp.MustCompile(`(?i)\b(Cl|Cr|Dg|Tv|Av|Kr)\b\.?\s*`)
	leadingDigitsRe  = regexp.MustCompile(`^(\d+)`)
	digitLetterDigRe = regexp.MustCompile(`^(\d+)([A-Za-z])(\d+)\b`)
	digitLetterRe    = regexp.MustCompile(`^(\d+)([A-Za-z])\b`)
	letterRestRe     = regexp.MustCompile(`^([A-Za-z])\s*(.*)$`)
	houseLetterRe    = regexp.MustCompile(`^([A-Za-z])\s*(\d*)`)
	plateRe          = regexp.MustCompile(`-\s*(\d+)`)
	allDigitsRe      = regexp.MustCompile(`^\d+$`)
)

var specialSuffixes = []string{"BIS", "SUR", "NORTE", "ESTE", "OESTE"}

// Parse turns free-form address text into a ParsedAddress. It never guesses:
// fields without textual support in the input stay empty, and a final audit
// rejects any fabricated value. Missing way type or way number fails with
// CodeAmbiguous.
func Parse(raw string) (*ParsedAddress, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &ParseError{Code: CodeAmbiguous, Message: "empty address text"}
	}

	// "número 42" must not be read as letter N. Strip the word before
	// parsing but keep '#', it splits the way part from the house part.
	text = numberWordRe.ReplaceAllString(text, " ")
	text = spacesRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	p := &ParsedAddress{}

	if m := referencesRe.FindStringSubmatch(text); m != nil {
		p.References = strings.TrimSpace(m[1])
		text = strings.TrimSpace(referencesRe.ReplaceAllString(text, ""))
	}

	text = extractCityAndNeighborhood(text, p)

	rest, ok := extractWayType(text, p)
	if !ok {
		return nil, &ParseError{Code: CodeAmbiguous, Message: "no way type (calle, carrera, ...) found"}
	}

	segments := strings.Split(rest, "#")
	wayPart := strings.TrimSpace(segments[0])

	m := leadingDigitsRe.FindStringSubmatch(wayPart)
	if m == nil {
		return nil, &ParseError{Code: CodeAmbiguous, Message: "no way number found"}
	}
	p.WayNumber = m[1]
	parseWayRemainder(strings.TrimSpace(wayPart[len(m[1]):]), p)

	for _, seg := range segments[1:] {
		parseHouseSegment(strings.TrimSpace(seg), p)
	}

	if err := auditFields(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// extractCityAndNeighborhood pulls trailing ", barrio, ciudad" segments off
// the text and returns what is left.
func extractCityAndNeighborhood(text string, p *ParsedAddress) string {
	segments := strings.Split(text, ",")
	if len(segments) == 1 {
		return text
	}

	last := strings.TrimSpace(segments[len(segments)-1])
	if KnownCity(last) {
		p.City = titleCase(NormalizeText(last))
		segments = segments[:len(segments)-1]
	}

	if len(segments) > 1 {
		barrio := strings.TrimSpace(segments[1])
		if barrio != "" && !allDigitsRe.MatchString(barrio) {
			p.Neighborhood = barrio
		}
	}
	return strings.TrimSpace(segments[0])
}

func extractWayType(text string, p *ParsedAddress) (string, bool) {
	for _, wt := range wayTypes {
		re := regexp.MustCompile(`(?i)\b` + wt + `\b`)
		if loc := re.FindStringIndex(text); loc != nil {
			p.WayType = wt
			return strings.TrimSpace(text[loc[1]:]), true
		}
	}
	if m := abbreviationRe.FindStringSubmatchIndex(text); m != nil {
		abbr := strings.ToUpper(text[m[2]:m[3]])
		p.WayType = wayAbbreviations[abbr]
		return strings.TrimSpace(text[m[1]:]), true
	}
	return "", false
}

// parseWayRemainder handles what follows the way number, the ambiguous
// letter-plus-number zone. "B uno" collapses to ordinal suffix "1" with the
// letter dropped; "B doce" keeps letter B and cross number 12. BIS, SUR,
// NORTE, ESTE, OESTE are standalone suffixes no matter what sits near them.
func parseWayRemainder(part string, p *ParsedAddress) {
	part = strings.TrimSpace(part)
	if part == "" {
		return
	}

	for _, sfx := range specialSuffixes {
		// Whole words only: OESTE must not be read as O + ESTE.
		re := regexp.MustCompile(`(?i)\b` + sfx + `\b`)
		if re.MatchString(part) {
			p.OrdinalSuffix = sfx
			part = strings.TrimSpace(re.ReplaceAllString(part, ""))
			break
		}
	}
	if part == "" {
		return
	}

	// Canonical re-serialization writes the ordinal as "-1".
	if strings.HasPrefix(part, "-") {
		num := strings.TrimSpace(strings.TrimPrefix(part, "-"))
		if allDigitsRe.MatchString(num) {
			if n, _ := strconv.Atoi(num); n <= 10 {
				p.OrdinalSuffix = num
			} else {
				p.CrossNumber = num
			}
		}
		return
	}

	if m := digitLetterDigRe.FindStringSubmatch(part); m != nil {
		// "42B1": cross number 42 with compound letter B1 when the trailing
		// digit is small, plain cross letter otherwise.
		p.CrossNumber = m[1]
		if n, _ := strconv.Atoi(m[3]); n <= 10 {
			p.CrossLetter = strings.ToUpper(m[2]) + m[3]
		} else {
			p.CrossLetter = strings.ToUpper(m[2])
		}
		return
	}

	if m := digitLetterRe.FindStringSubmatch(part); m != nil {
		p.CrossNumber = m[1]
		p.CrossLetter = strings.ToUpper(m[2])
		return
	}

	if allDigitsRe.MatchString(part) {
		if n, _ := strconv.Atoi(part); n <= 10 {
			p.OrdinalSuffix = part
		} else {
			p.CrossNumber = part
		}
		return
	}

	if m := letterRestRe.FindStringSubmatch(part); m != nil {
		letter := strings.ToUpper(m[1])
		rest := strings.TrimSpace(m[2])
		if rest == "" {
			p.LetterSuffix = letter
			return
		}

		num := wordToNumber(rest)
		if num == "" {
			if dm := regexp.MustCompile(`(\d+)`).FindStringSubmatch(rest); dm != nil {
				num = dm[1]
			}
		}
		if num == "" {
			p.LetterSuffix = letter
			return
		}

		if n, _ := strconv.Atoi(num); n <= 10 {
			p.OrdinalSuffix = num
		} else {
			p.LetterSuffix = letter
			p.CrossNumber = num
		}
	}
}

// parseHouseSegment handles a segment after '#'. The first such segment
// supplies the cross number when the way part did not; a later one is the
// house number. A dash introduces the plate.
func parseHouseSegment(seg string, p *ParsedAddress) {
	if seg == "" {
		return
	}

	m := leadingDigitsRe.FindStringSubmatch(seg)
	if m == nil {
		return
	}
	num := m[1]
	rest := strings.TrimSpace(seg[len(num):])

	var letter string
	if lm := houseLetterRe.FindStringSubmatch(rest); lm != nil {
		letter = strings.ToUpper(lm[1]) + lm[2]
		rest = strings.TrimSpace(rest[len(lm[0]):])
	}

	var plate string
	if pm := plateRe.FindStringSubmatch(rest); pm != nil {
		plate = pm[1]
	}

	if p.CrossNumber == "" {
		p.CrossNumber = num
		p.CrossLetter = letter
	} else if p.HouseNumber == "" {
		p.HouseNumber = num
		p.HouseLetter = letter
	}
	if plate != "" && p.PlateNumber == "" {
		p.PlateNumber = plate
	}
}

// auditFields re-scans the input for every extracted value. A non-empty
// field with no textual support means the parser invented data, which is a
// hard failure rather than a wrong dispatch address.
func auditFields(raw string, p *ParsedAddress) error {
	audit := NormalizeText(raw)
	for word, digits := range lowNumberWords {
		audit = regexp.MustCompile(`\b`+word+`\b`).ReplaceAllString(audit, digits)
	}
	for word, digits := range highNumberWords {
		audit = regexp.MustCompile(`\b`+word+`\b`).ReplaceAllString(audit, digits)
	}

	numeric := map[string]string{
		"way_number":   p.WayNumber,
		"cross_number": p.CrossNumber,
		"house_number": p.HouseNumber,
		"plate_number": p.PlateNumber,
	}
	if allDigitsRe.MatchString(p.OrdinalSuffix) {
		numeric["ordinal_suffix"] = p.OrdinalSuffix
	}
	for field, value := range numeric {
		if value != "" && !strings.Contains(audit, value) {
			return &ParseError{
				Code:    CodeFabricatedField,
				Message: fmt.Sprintf("%s=%q has no support in input", field, value),
			}
		}
	}

	letters := map[string]string{
		"letter_suffix": p.LetterSuffix,
		"cross_letter":  p.CrossLetter,
		"house_letter":  p.HouseLetter,
	}
	for field, value := range letters {
		for _, ch := range value {
			if !strings.ContainsRune(audit, toLowerRune(ch)) {
				return &ParseError{
					Code:    CodeFabricatedField,
					Message: fmt.Sprintf("%s=%q has no support in input", field, value),
				}
			}
		}
	}

	if p.OrdinalSuffix != "" && !allDigitsRe.MatchString(p.OrdinalSuffix) {
		if !strings.Contains(audit, NormalizeText(p.OrdinalSuffix)) {
			return &ParseError{
				Code:    CodeFabricatedField,
				Message: fmt.Sprintf("ordinal_suffix=%q has no support in input", p.OrdinalSuffix),
			}
		}
	}
	return nil
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Format renders the canonical text form. Parse(Format(p)) reproduces p for
// any parser output, which keeps re-confirmation turns stable.
func (p *ParsedAddress) Format() string {
	var parts []string

	if p.WayType != "" && p.WayNumber != "" {
		street := p.WayType + " " + p.WayNumber
		if p.LetterSuffix != "" {
			street += p.LetterSuffix
		}
		if p.OrdinalSuffix != "" {
			street += "-" + p.OrdinalSuffix
		}
		if p.CrossNumber != "" {
			street += " #" + p.CrossNumber + p.CrossLetter
			if p.HouseNumber == "" && p.PlateNumber != "" {
				street += "-" + p.PlateNumber
			}
		}
		if p.HouseNumber != "" {
			street += " #" + p.HouseNumber + p.HouseLetter
			if p.PlateNumber != "" {
				street += "-" + p.PlateNumber
			}
		}
		parts = append(parts, street)
	}

	if p.Neighborhood != "" {
		parts = append(parts, p.Neighborhood)
	}
	if p.City != "" {
		parts = append(parts, p.City)
	}

	if len(parts) == 0 {
		return "Dirección no especificada"
	}
	return strings.Join(parts, ", ")
}
