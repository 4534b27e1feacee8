package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"crowdcast/internal/types"
)

// PredictRow is one (line, hour) feature row of a batch prediction request.
// Embedded structs flatten into the JSON object.
type PredictRow struct {
	LineID              string `json:"line_id"`
	Hour                int    `json:"hour"`
	DayOfWeek           int    `json:"day_of_week"`
	IsWeekend           bool   `json:"is_weekend"`
	Month               int    `json:"month"`
	Season              string `json:"season"`
	IsSchoolTerm        bool   `json:"is_school_term"`
	IsHoliday           bool   `json:"is_holiday"`
	HolidayWindowMinus1 bool   `json:"holiday_window_minus1"`
	HolidayWindowPlus1  bool   `json:"holiday_window_plus1"`
	types.LagVector
	types.HourlyWeather
}

// PredictorClient calls the model serving endpoint. The whole batch goes out
// in a single request; per-row calls would turn a nightly run into tens of
// thousands of round trips.
type PredictorClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewPredictorClient creates a PredictorClient.
func NewPredictorClient(httpClient *http.Client, baseURL string, apiKey types.SecretString, opts ...BaseClientOption) *PredictorClient {
	return &PredictorClient{
		base:    NewBaseClient(httpClient, "predictor", DefaultRetryPolicy(), "crowdcast/1.0", opts...),
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type predictRequest struct {
	Rows []PredictRow `json:"rows"`
}

type predictResponse struct {
	Predictions []float64 `json:"predictions"`
}

// PredictBatch sends every feature row in one call and returns the raw
// predictions, index-aligned with rows.
func (c *PredictorClient) PredictBatch(ctx context.Context, rows []PredictRow) ([]float64, error) {
	body, err := json.Marshal(predictRequest{Rows: rows})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode prediction request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict_batch", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build prediction request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPredictor, "batch prediction request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPredictor,
			fmt.Sprintf("predictor upstream returned %d", resp.StatusCode),
			nil,
		)
	}

	var payload predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPredictor, "failed to decode prediction response", err)
	}
	if len(payload.Predictions) != len(rows) {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPredictor,
			fmt.Sprintf("predictor returned %d predictions for %d rows", len(payload.Predictions), len(rows)),
			nil,
		)
	}
	return payload.Predictions, nil
}
