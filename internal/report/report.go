// Package report defines the decoded sensor report published by the bridge
// and its JSON wire form consumed by the dashboards.
package report

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout matches the naive ISO-8601 timestamps the dashboards parse.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Light is the state of one traffic light. Green is never stored: it is lit
// exactly when neither yellow nor red is.
type Light struct {
	Yellow bool
	Red    bool
}

// Green reports whether the green lamp is lit.
func (l Light) Green() bool { return !l.Yellow && !l.Red }

// Lights holds the three underpass traffic lights.
type Lights struct {
	Moto   Light
	Auto   Light
	Camion Light
}

// Report is one validated sensor reading. Reports are only built from frames
// whose checksum matched.
type Report struct {
	Timestamp     time.Time
	Luminosity    uint16  // lux
	DutyCycle     uint8   // 0-100
	Temperature   float64 // °C
	Pressure      uint32  // hPa
	Humidity      uint16  // %
	WaterLevel    float64 // cm
	Lights        Lights
	DrasticChange bool

	// LevelCode is set when WaterLevel is a coarse estimate derived from a
	// discrete level code rather than a direct measurement.
	LevelCode *uint8
}

// Estimated reports whether WaterLevel is a quantized estimate.
func (r Report) Estimated() bool { return r.LevelCode != nil }

func (r Report) String() string {
	return fmt.Sprintf("%.2f°C %dhPa %d%% water=%.1fcm lux=%d duty=%d%% drastic=%t",
		r.Temperature, r.Pressure, r.Humidity, r.WaterLevel, r.Luminosity, r.DutyCycle, r.DrasticChange)
}

type wireLight struct {
	Giallo bool `json:"giallo"`
	Rosso  bool `json:"rosso"`
}

type wireLights struct {
	Moto   wireLight `json:"moto"`
	Auto   wireLight `json:"auto"`
	Camion wireLight `json:"camion"`
}

type wireReport struct {
	Timestamp          string     `json:"timestamp"`
	LuminositaLux      uint16     `json:"luminosita_lux"`
	DutyCycleLuci      uint8      `json:"duty_cycle_luci"`
	TemperaturaCelsius float64    `json:"temperatura_celsius"`
	PressioneHPa       uint32     `json:"pressione_hpa"`
	UmiditaPercentuale uint16     `json:"umidita_percentuale"`
	LivelloAcquaCm     float64    `json:"livello_acqua_cm"`
	Semafori           wireLights `json:"semafori"`
	CambioDrastico     bool       `json:"cambio_drastico"`
	LivelloStato       *uint8     `json:"livello_stato,omitempty"`
	LivelloStimato     bool       `json:"livello_acqua_stimato,omitempty"`
}

func toWireLight(l Light) wireLight { return wireLight{Giallo: l.Yellow, Rosso: l.Red} }

func fromWireLight(w wireLight) Light { return Light{Yellow: w.Giallo, Red: w.Rosso} }

// MarshalJSON encodes the report with the field names the dashboards expect.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireReport{
		Timestamp:          r.Timestamp.Format(TimestampLayout),
		LuminositaLux:      r.Luminosity,
		DutyCycleLuci:      r.DutyCycle,
		TemperaturaCelsius: r.Temperature,
		PressioneHPa:       r.Pressure,
		UmiditaPercentuale: r.Humidity,
		LivelloAcquaCm:     r.WaterLevel,
		Semafori: wireLights{
			Moto:   toWireLight(r.Lights.Moto),
			Auto:   toWireLight(r.Lights.Auto),
			Camion: toWireLight(r.Lights.Camion),
		},
		CambioDrastico: r.DrasticChange,
		LivelloStato:   r.LevelCode,
		LivelloStimato: r.LevelCode != nil,
	})
}

// UnmarshalJSON accepts the dashboard wire form.
func (r *Report) UnmarshalJSON(data []byte) error {
	var w wireReport
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ts time.Time
	if w.Timestamp != "" {
		parsed, err := time.ParseInLocation(TimestampLayout, w.Timestamp, time.Local)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", w.Timestamp, err)
		}
		ts = parsed
	}
	*r = Report{
		Timestamp:   ts,
		Luminosity:  w.LuminositaLux,
		DutyCycle:   w.DutyCycleLuci,
		Temperature: w.TemperaturaCelsius,
		Pressure:    w.PressioneHPa,
		Humidity:    w.UmiditaPercentuale,
		WaterLevel:  w.LivelloAcquaCm,
		Lights: Lights{
			Moto:   fromWireLight(w.Semafori.Moto),
			Auto:   fromWireLight(w.Semafori.Auto),
			Camion: fromWireLight(w.Semafori.Camion),
		},
		DrasticChange: w.CambioDrastico,
		LevelCode:     w.LivelloStato,
	}
	return nil
}
