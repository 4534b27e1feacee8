package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdcast/internal/types"
)

func TestWeatherClient_GetForecast_ParsesHourlyArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-01-16", r.URL.Query().Get("start_date"))
		assert.Equal(t, "2025-01-17", r.URL.Query().Get("end_date"))
		assert.Equal(t, "41.0082", r.URL.Query().Get("latitude"))

		fmt.Fprint(w, `{"hourly":{
			"time":["2025-01-16T00:00","2025-01-16T01:00","2025-01-17T00:00"],
			"temperature_2m":[4.5,4.1,6.0],
			"precipitation":[0.0,0.2,0.0],
			"wind_speed_10m":[12.3,11.8,9.4]
		}}`)
	}))
	defer srv.Close()

	client := NewWeatherClient(srv.Client(), srv.URL, 41.0082, 28.9784)
	start, _ := types.ParseDate("2025-01-16")
	end, _ := types.ParseDate("2025-01-17")

	forecast, err := client.GetForecast(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, forecast, 2)

	day := forecast["2025-01-16"]
	assert.InDelta(t, 4.5, day[0].Temperature, 1e-9)
	assert.InDelta(t, 0.2, day[1].Precipitation, 1e-9)
	assert.InDelta(t, 11.8, day[1].WindSpeed, 1e-9)
	assert.InDelta(t, 6.0, forecast["2025-01-17"][0].Temperature, 1e-9)
}

func TestWeatherClient_GetForecast_UpstreamErrorSurfacesWeatherCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewWeatherClient(srv.Client(), srv.URL, 41.0, 29.0, noSleep())
	_, err := client.GetForecast(context.Background(), time.Now(), time.Now())
	require.Error(t, err)

	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeUpstreamWeather, appErr.Code)
}

func TestPredictorClient_PredictBatch_SingleCallAlignedResponse(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/predict_batch", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-API-Key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req predictRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Rows, 2)
		// Embedded feature structs flatten into the row object.
		assert.Contains(t, string(body), `"lag_24h"`)
		assert.Contains(t, string(body), `"temperature"`)

		fmt.Fprint(w, `{"predictions":[120.5,88.0]}`)
	}))
	defer srv.Close()

	client := NewPredictorClient(srv.Client(), srv.URL, types.SecretString("sk-test"))
	rows := []PredictRow{
		{LineID: "500T", Hour: 8, LagVector: types.LagVector{Lag24h: 100}},
		{LineID: "500T", Hour: 9},
	}

	preds, err := client.PredictBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, []float64{120.5, 88.0}, preds)
	assert.Equal(t, 1, calls)
}

func TestPredictorClient_PredictBatch_LengthMismatchIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"predictions":[1.0]}`)
	}))
	defer srv.Close()

	client := NewPredictorClient(srv.Client(), srv.URL, types.SecretString("sk-test"))
	_, err := client.PredictBatch(context.Background(), make([]PredictRow, 3))
	require.Error(t, err)

	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeUpstreamPredictor, appErr.Code)
}

func TestBusScheduleClient_Fetch_NormalizesAndFiltersByDayType(t *testing.T) {
	rows := `[
		{"SHATKODU":"500T","SYON":"G","SGUNTIPI":"I","SSAAT":"06:00:00"},
		{"SHATKODU":"500T","SYON":"G","SGUNTIPI":"I","SSAAT":"06:30:00"},
		{"SHATKODU":"500T","SYON":"D","SGUNTIPI":"I","SSAAT":"06:45:00"},
		{"SHATKODU":"500T","SYON":"G","SGUNTIPI":"C","SSAAT":"07:00:00"}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<HatKodu>500T</HatKodu>")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <GetPlanlananSeferSaati_jsonResponse xmlns="http://tempuri.org/">
      <GetPlanlananSeferSaati_jsonResult>%s</GetPlanlananSeferSaati_jsonResult>
    </GetPlanlananSeferSaati_jsonResponse>
  </soap:Body>
</soap:Envelope>`, rows)
	}))
	defer srv.Close()

	client := NewBusScheduleClient(srv.Client(), srv.URL)
	validFor, _ := types.ParseDate("2025-01-16")

	raw, err := client.Fetch(context.Background(), "500T", "I", validFor)
	require.NoError(t, err)

	var payload busTimetablePayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, []string{"06:00", "06:30"}, payload.Going)
	assert.Equal(t, []string{"06:45"}, payload.Returning)
	assert.Equal(t, "I", payload.DayType)
	assert.True(t, payload.HasService)
	assert.Equal(t, "2025-01-16", payload.ValidFor)
}

func TestBusScheduleClient_Fetch_NoRowsMeansNoService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <GetPlanlananSeferSaati_jsonResponse xmlns="http://tempuri.org/">
      <GetPlanlananSeferSaati_jsonResult>[]</GetPlanlananSeferSaati_jsonResult>
    </GetPlanlananSeferSaati_jsonResponse>
  </soap:Body>
</soap:Envelope>`)
	}))
	defer srv.Close()

	client := NewBusScheduleClient(srv.Client(), srv.URL)
	raw, err := client.Fetch(context.Background(), "500T", "P", time.Now())
	require.NoError(t, err)

	var payload busTimetablePayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.False(t, payload.HasService)
	assert.Empty(t, payload.Going)
}

func TestMetroClient_Fetch_NormalizesDepartures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/TimeTable", r.URL.Path)
		var req metroTimetableRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 201, req.StationID)
		assert.Equal(t, 1, req.DirectionID)

		fmt.Fprint(w, `{"Data":[{"Time":"06:05:00"},{"Time":"06:25"},{"Time":"bogus"}]}`)
	}))
	defer srv.Close()

	client := NewMetroClient(srv.Client(), srv.URL)
	raw, err := client.Fetch(context.Background(), "201:1", "", time.Now())
	require.NoError(t, err)

	var payload terminusPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, 201, payload.StationID)
	assert.Equal(t, []string{"06:05", "06:25"}, payload.Departures)
}

func TestMetroClient_Fetch_BadEntityKey(t *testing.T) {
	client := NewMetroClient(http.DefaultClient, "http://unused")
	_, err := client.Fetch(context.Background(), "not-a-key", "", time.Now())
	assert.Error(t, err)
}
