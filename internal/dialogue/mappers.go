package dialogue

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// majorSynonyms maps College Scorecard program categories to the majors a
// user is likely to name.
var majorSynonyms = map[string][]string{
	"agriculture":                          {"agriculture"},
	"resources":                            {"environmental science", "meteorology"},
	"architecture":                         {"architecture"},
	"ethnic_cultural_gender":               {"ethnic studies"},
	"communication":                        {"human development", "communication"},
	"communications_technology":            {"communications technology", "telecommunications"},
	"computer":                             {"computer science", "information science"},
	"personal_culinary":                    {"culinary arts", "food science"},
	"education":                            {"education"},
	"engineering":                          {"engineering"},
	"engineering_technology":               {"engineering technology"},
	"language":                             {"language"},
	"family_consumer_science":              {"family consumer science", "rehabilitation services", "social work", "speech pathology and audiology"},
	"legal":                                {"law", "crime, law, and justice"},
	"english":                              {"english"},
	"humanities":                           {"humanities"},
	"library":                              {"library"},
	"biological":                           {"biology", "animal science", "biochemistry", "biotechnology", "marine biology", "physiology"},
	"mathematics":                          {"finance", "accounting", "actuarial science", "mathematics"},
	"public_administration_social_service": {"public administration"},
	"military":                             {"military science"},
	"multidiscipline":                      {"multidisciplinary science", "multidisciplinary studies"},
	"parks_recreation_fitness":             {"fitness"},
	"philosophy_religious":                 {"philosophy"},
	"theology_religious_vocation":          {"theology"},
	"physical_science":                     {"physical science"},
	"science_technology":                   {"science technology"},
	"psychology":                           {"psychology"},
	"security_law_enforcement":             {"law enforcement"},
	"social_science":                       {"social science", "political science", "economics", "anthropology", "archaeology", "geoscience", "geography", "hospitality", "sociology"},
	"construction":                         {"construction"},
	"mechanic_repair_technology":           {"mechanics"},
	"precision_production":                 {"precision production"},
	"transportation":                       {"transportation"},
	"visual_performing":                    {"studio art"},
	"health":                               {"nursing", "pre-medicine", "health", "nutrition"},
	"business_marketing":                   {"business", "marketing"},
	"history":                              {"history"},
}

// Scorecard region_id values.
const (
	RegionServiceSchools = 0
	RegionNewEngland     = 1
	RegionMidEast        = 2
	RegionGreatLakes     = 3
	RegionPlains         = 4
	RegionSoutheast      = 5
	RegionSouthwest      = 6
	RegionRockyMountains = 7
	RegionFarWest        = 8
	RegionOutlying       = 9
)

// regionNames maps region codes to the region, state and city names that
// resolve to them.
var regionNames = map[int][]string{
	RegionServiceSchools: {"us service schools", "service academies", "military academies"},
	RegionNewEngland: {
		"new england",
		"connecticut", "ct", "maine", "massachusetts", "ma", "new hampshire", "nh", "rhode island", "ri", "vermont", "vt",
		"boston", "cambridge", "hartford", "new haven", "providence", "portland maine", "burlington",
	},
	RegionMidEast: {
		"mid east", "mideast", "mid-atlantic", "mid atlantic", "northeast",
		"delaware", "de", "district of columbia", "dc", "d.c.", "washington dc", "washington d.c.",
		"maryland", "md", "new jersey", "nj", "new york", "ny", "pennsylvania", "pa",
		"new york city", "nyc", "philadelphia", "pittsburgh", "baltimore", "newark", "buffalo",
	},
	RegionGreatLakes: {
		"great lakes", "midwest",
		"illinois", "il", "indiana", "michigan", "mi", "ohio", "oh", "wisconsin", "wi",
		"chicago", "detroit", "columbus", "cleveland", "cincinnati", "indianapolis", "milwaukee", "madison", "ann arbor",
	},
	RegionPlains: {
		"plains", "great plains",
		"iowa", "ia", "kansas", "ks", "minnesota", "mn", "missouri", "mo", "nebraska", "ne", "north dakota", "nd", "south dakota", "sd",
		"minneapolis", "st. louis", "saint louis", "kansas city", "omaha", "des moines",
	},
	RegionSoutheast: {
		"southeast", "south",
		"alabama", "al", "arkansas", "ar", "florida", "fl", "georgia", "ga", "kentucky", "ky", "louisiana", "la",
		"mississippi", "ms", "north carolina", "nc", "south carolina", "sc", "tennessee", "tn",
		"virginia", "va", "west virginia", "wv",
		"atlanta", "miami", "orlando", "tampa", "nashville", "new orleans", "charlotte", "raleigh", "durham", "richmond", "memphis", "louisville",
	},
	RegionSouthwest: {
		"southwest",
		"arizona", "az", "new mexico", "nm", "oklahoma", "ok", "texas", "tx",
		"houston", "dallas", "austin", "san antonio", "phoenix", "tucson", "albuquerque", "oklahoma city",
	},
	RegionRockyMountains: {
		"rocky mountains", "rockies", "mountain west",
		"colorado", "co", "idaho", "id", "montana", "mt", "utah", "ut", "wyoming", "wy",
		"denver", "boulder", "salt lake city", "boise",
	},
	RegionFarWest: {
		"far west", "west", "west coast", "pacific northwest",
		"alaska", "ak", "california", "ca", "hawaii", "hi", "nevada", "nv", "oregon", "washington", "wa",
		"los angeles", "san francisco", "san diego", "san jose", "seattle", "portland", "sacramento", "las vegas", "honolulu",
	},
	RegionOutlying: {
		"outlying areas",
		"american samoa", "as", "guam", "gu", "puerto rico", "pr", "virgin islands", "vi",
		"northern mariana islands", "mp", "marshall islands", "mh", "palau", "pw", "micronesia", "fm",
	},
}

// Mappers resolves free text to canonical major keys and region codes
// through inverse indexes built once.
type Mappers struct {
	majors  map[string]string
	regions map[string]int
}

// NewMappers builds the inverse synonym indexes. Canonical keys index to
// themselves so that mapping is idempotent.
func NewMappers() *Mappers {
	m := &Mappers{
		majors:  make(map[string]string),
		regions: make(map[string]int),
	}
	for key, synonyms := range majorSynonyms {
		m.majors[foldKey(key)] = key
		m.majors[foldKey(strings.ReplaceAll(key, "_", " "))] = key
		for _, syn := range synonyms {
			m.majors[foldKey(syn)] = key
		}
	}
	for code, names := range regionNames {
		for _, name := range names {
			m.regions[foldKey(name)] = code
		}
	}
	return m
}

var defaultMappers = NewMappers()

// Major returns the canonical category key for a major name.
func (m *Mappers) Major(name string) (string, bool) {
	key, ok := m.majors[foldKey(name)]
	return key, ok
}

// Region returns the region code for a region, state or city name. A region
// code given as text resolves to itself. "City, ST" forms are tried part by
// part, the state first.
func (m *Mappers) Region(name string) (int, bool) {
	if code, err := strconv.Atoi(strings.TrimSpace(name)); err == nil {
		return code, code >= RegionServiceSchools && code <= RegionOutlying
	}
	if code, ok := m.regions[foldKey(name)]; ok {
		return code, true
	}
	parts := strings.Split(name, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		if code, ok := m.regions[foldKey(parts[i])]; ok {
			return code, true
		}
	}
	return 0, false
}

func foldKey(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// IsMajorCategory reports whether key is a canonical major category key.
func IsMajorCategory(key string) bool {
	_, ok := majorSynonyms[key]
	return ok
}
