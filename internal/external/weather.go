package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crowdcast/internal/types"
)

// WeatherClient fetches the hourly forecast for the service area from an
// Open-Meteo compatible endpoint.
type WeatherClient struct {
	base      *BaseClient
	baseURL   string
	latitude  float64
	longitude float64
}

// NewWeatherClient creates a WeatherClient for the given coordinates.
func NewWeatherClient(httpClient *http.Client, baseURL string, latitude, longitude float64, opts ...BaseClientOption) *WeatherClient {
	return &WeatherClient{
		base:      NewBaseClient(httpClient, "weather", DefaultRetryPolicy(), "crowdcast/1.0", opts...),
		baseURL:   baseURL,
		latitude:  latitude,
		longitude: longitude,
	}
}

// weatherResponse mirrors the hourly arrays of the upstream payload. The
// arrays are index-aligned with Time.
type weatherResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		Precipitation []float64 `json:"precipitation"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
	} `json:"hourly"`
}

// GetForecast returns hourly weather for every date in [startDate, endDate],
// keyed by DateKey. Dates the upstream omits are simply absent from the map;
// the caller decides how to fill the gap.
func (c *WeatherClient) GetForecast(ctx context.Context, startDate, endDate time.Time) (map[string][24]types.HourlyWeather, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.longitude, 'f', 4, 64))
	q.Set("hourly", "temperature_2m,precipitation,wind_speed_10m")
	q.Set("start_date", types.DateKey(startDate))
	q.Set("end_date", types.DateKey(endDate))
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build weather request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamWeather, "weather forecast request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamWeather,
			fmt.Sprintf("weather upstream returned %d", resp.StatusCode),
			nil,
		)
	}

	var payload weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamWeather, "failed to decode weather response", err)
	}

	out := make(map[string][24]types.HourlyWeather)
	for i, ts := range payload.Hourly.Time {
		t, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			continue
		}
		key := types.DateKey(t)
		day := out[key]
		hw := types.HourlyWeather{}
		if i < len(payload.Hourly.Temperature) {
			hw.Temperature = payload.Hourly.Temperature[i]
		}
		if i < len(payload.Hourly.Precipitation) {
			hw.Precipitation = payload.Hourly.Precipitation[i]
		}
		if i < len(payload.Hourly.WindSpeed) {
			hw.WindSpeed = payload.Hourly.WindSpeed[i]
		}
		day[t.Hour()] = hw
		out[key] = day
	}
	return out, nil
}
