package nightlights

// Linear is an inter-annual calibration y = Bias + Slope*x against the
// F16_20051128-20061224 reference composite.
type Linear struct {
	Bias  float64 `json:"bias"`
	Slope float64 `json:"slope"`
}

// Apply calibrates a raw value.
func (l Linear) Apply(x float64) float64 { return x*l.Slope + l.Bias }

// Record maps a DMSP radiance-calibrated composite to the survey years it
// serves. A nil Calibration marks the reference composite.
type Record struct {
	ID          string  `json:"id"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Calibration *Linear `json:"calibration,omitempty"`
}

// Contains reports whether year falls in [Start, End].
func (r Record) Contains(year int) bool { return r.Start <= year && year <= r.End }

// Coefficients from Table 3 of the NOAA radcal readme (Pow 1).
var dmspRecords = []Record{
	{ID: "F12_19960316-19970212_V4", Start: 1996, End: 1997, Calibration: &Linear{Bias: 4.336, Slope: 0.915}},
	{ID: "F12_19990119-19991211_V4", Start: 1998, End: 1999, Calibration: &Linear{Bias: 1.423, Slope: 0.780}},
	{ID: "F12-F15_20000103-20001229_V4", Start: 2000, End: 2001, Calibration: &Linear{Bias: 3.658, Slope: 0.710}},
	{ID: "F14-F15_20021230-20031127_V4", Start: 2002, End: 2003, Calibration: &Linear{Bias: 3.736, Slope: 0.797}},
	{ID: "F14_20040118-20041216_V4", Start: 2004, End: 2004, Calibration: &Linear{Bias: 1.062, Slope: 0.761}},
	{ID: "F16_20051128-20061224_V4", Start: 2005, End: 2008},
	{ID: "F16_20100111-20101209_V4", Start: 2009, End: 2010, Calibration: &Linear{Bias: 2.196, Slope: 1.195}},
	{ID: "F16_20100111-20110731_V4", Start: 2011, End: 2011, Calibration: &Linear{Bias: -1.987, Slope: 1.246}},
}

// Records returns a copy of the calibration table in lookup order.
func Records() []Record {
	out := make([]Record, len(dmspRecords))
	for i, r := range dmspRecords {
		out[i] = r
		if r.Calibration != nil {
			c := *r.Calibration
			out[i].Calibration = &c
		}
	}
	return out
}

// LookupDMSP returns the first record whose year range contains year.
func LookupDMSP(year int) (Record, bool) {
	for _, r := range dmspRecords {
		if r.Contains(year) {
			rec := r
			if r.Calibration != nil {
				c := *r.Calibration
				rec.Calibration = &c
			}
			return rec, true
		}
	}
	return Record{}, false
}
