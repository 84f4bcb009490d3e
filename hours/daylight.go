package hours

import (
	"math"
	"time"

	"github.com/icodeforyou/energycontract-go/convert"
)

// Elevation of the sun's center at sunrise/sunset, including refraction.
const sunriseElevation = -0.833

// IsDaylightFallback is used when neither a sun signal nor a location is
// available: 06:00 to 20:00 local time counts as daylight.
func IsDaylightFallback(t time.Time) bool {
	h := Local(t).Hour()
	return h >= 6 && h < 20
}

// SunElevation returns the approximate solar elevation in degrees, using the
// NOAA general solar position equations.
func SunElevation(t time.Time, latitude, longitude float64) float64 {
	u := t.UTC()
	fracHour := float64(u.Hour()) + float64(u.Minute())/60 + float64(u.Second())/3600
	gamma := 2 * math.Pi / 365 * (float64(u.YearDay()-1) + (fracHour-12)/24)

	eqTime := 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) -
		0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) -
		0.040849*math.Sin(2*gamma))

	decl := 0.006918 -
		0.399912*math.Cos(gamma) +
		0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) +
		0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) +
		0.00148*math.Sin(3*gamma)

	trueSolarMinutes := fracHour*60 + eqTime + 4*longitude
	hourAngle := convert.DegToRad(trueSolarMinutes/4 - 180)
	lat := convert.DegToRad(latitude)

	cosZenith := math.Sin(lat)*math.Sin(decl) + math.Cos(lat)*math.Cos(decl)*math.Cos(hourAngle)
	cosZenith = math.Max(-1, math.Min(1, cosZenith))
	return 90 - convert.RadToDeg(math.Acos(cosZenith))
}

// IsSunUp reports whether the sun is above the horizon at the location.
func IsSunUp(t time.Time, latitude, longitude float64) bool {
	return SunElevation(t, latitude, longitude) > sunriseElevation
}
