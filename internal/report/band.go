package report

// Illumination bands for a lux reading.
const (
	BandNight    = "night"
	BandOvercast = "overcast"
	BandDaylight = "daylight"
	BandFullSun  = "full_sun"
)

// Thresholds are the lux breakpoints used to label readings. They differ
// between deployments and are supplied by configuration.
type Thresholds struct {
	NightBelow    uint16 // lux < NightBelow is night
	OvercastBelow uint16 // lux < OvercastBelow is overcast
	DaylightBelow uint16 // lux < DaylightBelow is daylight, otherwise full sun
	FullScaleLux  uint16 // lux mapped to 100%
}

// DefaultThresholds mirrors the breakpoints of the reference dashboard.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NightBelow:    100,
		OvercastBelow: 1000,
		DaylightBelow: 3000,
		FullScaleLux:  4000,
	}
}

// Band labels a lux reading.
func (t Thresholds) Band(lux uint16) string {
	switch {
	case lux < t.NightBelow:
		return BandNight
	case lux < t.OvercastBelow:
		return BandOvercast
	case lux < t.DaylightBelow:
		return BandDaylight
	default:
		return BandFullSun
	}
}

// Percent returns lux as a share of full scale, capped at 100.
func (t Thresholds) Percent(lux uint16) float64 {
	if t.FullScaleLux == 0 {
		return 0
	}
	p := float64(lux) / float64(t.FullScaleLux) * 100
	if p > 100 {
		return 100
	}
	return p
}
