package dicom

import "math/rand/v2"

// Name pools for synthetic phantom patients. Names are stored in DICOM
// person-name order.
var (
	phantomGiven = map[string][]string{
		"M": {"James", "Robert", "Thomas", "Daniel", "Louis", "Hugo", "Arthur", "Samuel", "Noah", "Pierre"},
		"F": {"Mary", "Emma", "Claire", "Sarah", "Laura", "Chloe", "Alice", "Helen", "Julie", "Anna"},
	}
	phantomFamily = []string{
		"SMITH", "MARTIN", "BERNARD", "JOHNSON", "DUBOIS", "BROWN", "LEROY", "WILSON", "MOREAU", "TAYLOR",
	}
)

// phantomPatientName returns "FAMILY^GIVEN" for sex "M" or "F". Unknown
// values use the female pool.
func phantomPatientName(sex string, rng *rand.Rand) string {
	given, ok := phantomGiven[sex]
	if !ok {
		given = phantomGiven["F"]
	}
	return phantomFamily[rng.IntN(len(phantomFamily))] + "^" + given[rng.IntN(len(given))]
}
