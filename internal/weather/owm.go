package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// OWMBaseURL is the OpenWeatherMap API root.
const OWMBaseURL = "https://api.openweathermap.org"

// OWMChannels are provided by OpenWeatherMap, in channel index order.
var OWMChannels = []Channel{
	{Name: "Tws", Unit: "°C", Description: "Temperature"},
	{Name: "Hws", Unit: "%", Description: "Humidity"},
	{Name: "Pws", Unit: "hPa", Description: "Air pressure"},
}

// OWM fetches current weather for one city id.
type OWM struct {
	BaseURL string
	APIKey  string
	CityID  string
}

type owmResponse struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
}

func (o OWM) Fetch(ctx context.Context, client *http.Client) (Reading, error) {
	base := o.BaseURL
	if base == "" {
		base = OWMBaseURL
	}
	q := url.Values{}
	q.Set("id", o.CityID)
	q.Set("appid", o.APIKey)
	q.Set("units", "metric")

	var resp owmResponse
	if err := getJSON(ctx, client, base+"/data/2.5/weather?"+q.Encode(), &resp); err != nil {
		return Reading{}, fmt.Errorf("openweathermap: %w", err)
	}

	r := Reading{Time: time.Unix(resp.Dt, 0), Values: make(map[int]float64)}
	if resp.Dt == 0 {
		r.Time = time.Now()
	}
	for i, v := range []*float64{resp.Main.Temp, resp.Main.Humidity, resp.Main.Pressure} {
		if v != nil {
			r.Values[i] = *v
		}
	}
	return r, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cannot decode response: %w", err)
	}
	return nil
}
