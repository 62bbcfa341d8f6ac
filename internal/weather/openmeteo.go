package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/relvacode/iso8601"
)

// OpenMeteoBaseURL is the Open-Meteo forecast API root.
const OpenMeteoBaseURL = "https://api.open-meteo.com"

// OpenMeteoChannels are provided by Open-Meteo, in channel index order.
var OpenMeteoChannels = []Channel{
	{Name: "Tws", Unit: "°C", Description: "Temperature"},
	{Name: "Hws", Unit: "%", Description: "Humidity"},
	{Name: "Pws", Unit: "hPa", Description: "Air pressure"},
	{Name: "Wws", Unit: "m/s", Description: "Wind speed"},
}

// OpenMeteo fetches current conditions for a coordinate. No API key needed.
type OpenMeteo struct {
	BaseURL   string
	Latitude  float64
	Longitude float64
}

type openMeteoResponse struct {
	Current struct {
		Time        string   `json:"time"`
		Temperature *float64 `json:"temperature_2m"`
		Humidity    *float64 `json:"relative_humidity_2m"`
		Pressure    *float64 `json:"surface_pressure"`
		Wind        *float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

func (o OpenMeteo) Fetch(ctx context.Context, client *http.Client) (Reading, error) {
	base := o.BaseURL
	if base == "" {
		base = OpenMeteoBaseURL
	}
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", o.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", o.Longitude))
	q.Set("current", "temperature_2m,relative_humidity_2m,surface_pressure,wind_speed_10m")
	q.Set("wind_speed_unit", "ms")
	q.Set("timezone", "GMT")

	var resp openMeteoResponse
	if err := getJSON(ctx, client, base+"/v1/forecast?"+q.Encode(), &resp); err != nil {
		return Reading{}, fmt.Errorf("open-meteo: %w", err)
	}

	ts, err := parseTime(resp.Current.Time)
	if err != nil {
		return Reading{}, fmt.Errorf("open-meteo: invalid time %q: %w", resp.Current.Time, err)
	}
	r := Reading{Time: ts, Values: make(map[int]float64)}
	c := resp.Current
	for i, v := range []*float64{c.Temperature, c.Humidity, c.Pressure, c.Wind} {
		if v != nil {
			r.Values[i] = *v
		}
	}
	return r, nil
}

// parseTime reads the GMT timestamps Open-Meteo returns, which usually omit
// seconds and zone.
func parseTime(s string) (time.Time, error) {
	if t, err := iso8601.ParseString(s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04", s, time.UTC)
}
