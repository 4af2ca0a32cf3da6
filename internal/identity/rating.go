package identity

// The same power rating code means different things per family, so every
// family carries its own table. Families without confirmed codes have no table
// and always resolve to unknown.
var powerRatings = map[Family]map[uint8]float64{
	FamilyEG4HybridPV: {
		2: 12,
		6: 18,
	},
	FamilyEG4HybridFlex: {
		8: 21,
		9: 18,
	},
}

// ResolveKW returns the rated power in kW for a decoded power rating code.
// The bool is false when the code is not known for the family; callers must
// treat that as "rating unknown" rather than zero.
func ResolveKW(family Family, powerRatingCode uint8) (float64, bool) {
	table, ok := powerRatings[family]
	if !ok {
		return 0, false
	}
	kw, ok := table[powerRatingCode]
	return kw, ok
}
