package kml

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/models"
)

// DatePattern enumerates the free-text date formats recognized in
// placemark names. New formats get a new variant.
type DatePattern int

const (
	DatePatternNone DatePattern = iota
	// DatePatternISO is 2024-03-15.
	DatePatternISO
	// DatePatternDotted is 15.03.2024.
	DatePatternDotted
	// DatePatternMonthFirst is Mar 15, 2024 or March 15 2024.
	DatePatternMonthFirst
	// DatePatternDayFirst is 15 Mar 2024 or 15 March 2024.
	DatePatternDayFirst
)

const monthNames = `(Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

var datePatterns = []struct {
	pattern DatePattern
	re      *regexp.Regexp
}{
	{DatePatternISO, regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)},
	{DatePatternDotted, regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)},
	{DatePatternMonthFirst, regexp.MustCompile(`(?i)\b` + monthNames + `\.?\s+(\d{1,2}),?\s+(\d{4})\b`)},
	{DatePatternDayFirst, regexp.MustCompile(`(?i)\b(\d{1,2})\.?\s+` + monthNames + `\.?,?\s+(\d{4})\b`)},
}

// ExtractDate finds the first date in free text. The returned time is
// midnight UTC of that day.
func ExtractDate(text string) (time.Time, DatePattern, bool) {
	for _, p := range datePatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		var year, month, day int
		switch p.pattern {
		case DatePatternISO:
			year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
		case DatePatternDotted:
			day, month, year = atoi(m[1]), atoi(m[2]), atoi(m[3])
		case DatePatternMonthFirst:
			month, day, year = monthNumber(m[1]), atoi(m[2]), atoi(m[3])
		case DatePatternDayFirst:
			day, month, year = atoi(m[1]), monthNumber(m[2]), atoi(m[3])
		}
		if t, ok := makeDate(year, month, day); ok {
			return t, p.pattern, true
		}
	}
	return time.Time{}, DatePatternNone, false
}

var descriptionTimeRe = regexp.MustCompile(`(?i)\b` + monthNames + `\.?\s+(\d{1,2}),?\s+(\d{4})\s+(\d{1,2}):(\d{2})\s*(AM|PM)`)

// ParseDescriptionTime extracts the flight start time that
// registration-route exports put in the placemark description, formatted
// "<Month> <Day> <Year> <HH:MM><AM|PM>".
func ParseDescriptionTime(description string) (time.Time, bool) {
	m := descriptionTimeRe.FindStringSubmatch(description)
	if m == nil {
		return time.Time{}, false
	}
	month, day, year := monthNumber(m[1]), atoi(m[2]), atoi(m[3])
	hour, minute := atoi(m[4]), atoi(m[5])
	if hour < 1 || hour > 12 || minute > 59 {
		return time.Time{}, false
	}
	hour %= 12
	if strings.EqualFold(m[6], "PM") {
		hour += 12
	}

	date, ok := makeDate(year, month, day)
	if !ok {
		return time.Time{}, false
	}
	return date.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute), true
}

// SyntheticInterval is the cadence of timestamps synthesized for paths that
// carry none.
const SyntheticInterval = 2 * time.Second

// SynthesizeTimestamps returns a copy of path with point i at
// start + i*SyntheticInterval.
func SynthesizeTimestamps(path models.Path, start time.Time) models.Path {
	out := make(models.Path, len(path))
	for i, p := range path {
		p.Time = start.Add(time.Duration(i) * SyntheticInterval)
		out[i] = p
	}
	return out
}

// FileInfo is what the file name reveals about its flights.
type FileInfo struct {
	Convention   models.Convention
	Airport      string
	Registration string
	AircraftType string
	Route        string
}

var (
	icaoRe         = regexp.MustCompile(`^[A-Z]{4}$`)
	registrationRe = regexp.MustCompile(`^(?:[A-Z0-9]{1,2}-[A-Z0-9]{2,5}|N[1-9][0-9]{0,4}[A-Z]{0,2}|[A-Z]{2}[0-9]{3,5})$`)
	aircraftTypeRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,4}$`)
)

// ParseFilename recognizes the two naming schemes. AIRPORT_REGISTRATION_TYPE
// needs exactly three tokens with a four letter airport code first;
// REGISTRATION_ROUTE needs a registration first and at least one route
// token. Anything else is ConventionNone.
func ParseFilename(path string) FileInfo {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	tokens := strings.Split(strings.ToUpper(base), "_")

	if len(tokens) == 3 && icaoRe.MatchString(tokens[0]) &&
		registrationRe.MatchString(tokens[1]) && aircraftTypeRe.MatchString(tokens[2]) {
		return FileInfo{
			Convention:   models.ConventionAirportRegType,
			Airport:      tokens[0],
			Registration: tokens[1],
			AircraftType: tokens[2],
		}
	}

	if len(tokens) >= 2 && registrationRe.MatchString(tokens[0]) {
		return FileInfo{
			Convention:   models.ConventionRegRoute,
			Registration: tokens[0],
			Route:        strings.Join(tokens[1:], "_"),
		}
	}

	return FileInfo{}
}

var (
	registrationHintRe = regexp.MustCompile(`(?i)\b(?:registration|reg|tail)\s*[:=]\s*([A-Z0-9-]{3,8})`)
	aircraftHintRe     = regexp.MustCompile(`(?i)\b(?:aircraft(?:\s+type)?|type)\s*[:=]\s*([A-Z0-9-]{2,8})`)
)

// aircraftHints reads "Registration: X" and "Aircraft: T" style hints from
// description text.
func aircraftHints(description string) (registration, aircraftType string) {
	if m := registrationHintRe.FindStringSubmatch(description); m != nil {
		registration = strings.ToUpper(m[1])
	}
	if m := aircraftHintRe.FindStringSubmatch(description); m != nil {
		aircraftType = strings.ToUpper(m[1])
	}
	return registration, aircraftType
}

// buildMetadata derives metadata for one placemark. It returns the path
// with synthesized timestamps when the file follows the registration-route
// scheme and no point carries a time.
func buildMetadata(pm rawPlacemark, path models.Path, info FileInfo, source string) (models.PathMetadata, models.Path) {
	meta := models.PathMetadata{
		Name:         pm.name,
		Description:  pm.description,
		SourceFile:   source,
		Convention:   info.Convention,
		Airport:      info.Airport,
		Registration: info.Registration,
		AircraftType: info.AircraftType,
		Route:        info.Route,
	}

	reg, typ := aircraftHints(pm.description)
	if meta.Registration == "" {
		meta.Registration = reg
	}
	if meta.AircraftType == "" {
		meta.AircraftType = typ
	}

	first, last := timeBounds(path)
	if first.IsZero() && info.Convention == models.ConventionRegRoute {
		if start, ok := ParseDescriptionTime(pm.description); ok {
			path = SynthesizeTimestamps(path, start)
			meta.Synthetic = true
			first, last = path[0].Time, path[len(path)-1].Time
		}
	}

	switch {
	case !first.IsZero():
		meta.Start, meta.End = first, last
	default:
		if t, ok := parseInstant(pm.begin); ok {
			meta.Start = t
		} else if t, ok := parseInstant(pm.when); ok {
			meta.Start = t
		}
		if t, ok := parseInstant(pm.end); ok {
			meta.End = t
		}
	}
	if meta.Start.IsZero() {
		if t, _, ok := ExtractDate(pm.name); ok {
			meta.Start = t
		}
	}

	meta.Year = models.UnknownYear
	if !meta.Start.IsZero() {
		meta.Year = strconv.Itoa(meta.Start.Year())
	}
	return meta, path
}

// timeBounds returns the first and last known instants of a path.
func timeBounds(path models.Path) (first, last time.Time) {
	for _, p := range path {
		if p.HasTime() {
			first = p.Time
			break
		}
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].HasTime() {
			last = path[i].Time
			break
		}
	}
	return first, last
}

func monthNumber(name string) int {
	if len(name) < 3 {
		return 0
	}
	switch strings.ToLower(name[:3]) {
	case "jan":
		return 1
	case "feb":
		return 2
	case "mar":
		return 3
	case "apr":
		return 4
	case "may":
		return 5
	case "jun":
		return 6
	case "jul":
		return 7
	case "aug":
		return 8
	case "sep":
		return 9
	case "oct":
		return 10
	case "nov":
		return 11
	case "dec":
		return 12
	}
	return 0
}

func makeDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1900 || year > 2200 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
