package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crowdcast/internal/types"
)

// MetroClient fetches terminus departure times from the rail operator's
// timetable API and normalizes them into the cache payload shape consumed by
// the trip resolver.
type MetroClient struct {
	base    *BaseClient
	baseURL string
}

// NewMetroClient creates a MetroClient.
func NewMetroClient(httpClient *http.Client, baseURL string, opts ...BaseClientOption) *MetroClient {
	return &MetroClient{
		base:    NewBaseClient(httpClient, "metro-timetable", DefaultRetryPolicy(), "crowdcast/1.0", opts...),
		baseURL: baseURL,
	}
}

type metroTimetableRequest struct {
	StationID   int `json:"stationID"`
	DirectionID int `json:"directionID"`
}

type metroTimetableResponse struct {
	Data []struct {
		Time string `json:"Time"`
	} `json:"Data"`
}

// terminusPayload is the normalized form stored in the schedule cache.
type terminusPayload struct {
	StationID   int      `json:"station_id"`
	DirectionID int      `json:"direction_id"`
	Departures  []string `json:"departures"`
}

// Fetch implements the schedule cache's Fetcher for the metro family. The
// entity key is "stationID:directionID" with an empty variant; rail
// timetables do not vary by day type in the upstream.
func (c *MetroClient) Fetch(ctx context.Context, entityKey, _ string, _ time.Time) (json.RawMessage, error) {
	stationID, directionID, err := parseTerminusKey(entityKey)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "invalid terminus entity key", err)
	}

	body, err := json.Marshal(metroTimetableRequest{StationID: stationID, DirectionID: directionID})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode metro timetable request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/TimeTable", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build metro timetable request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamSchedule, "metro timetable request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamSchedule,
			fmt.Sprintf("metro timetable upstream returned %d", resp.StatusCode),
			nil,
		)
	}

	var payload metroTimetableResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamSchedule, "failed to decode metro timetable response", err)
	}

	out := terminusPayload{
		StationID:   stationID,
		DirectionID: directionID,
		Departures:  []string{},
	}
	for _, d := range payload.Data {
		dep := normalizeDeparture(d.Time)
		if dep == "" {
			continue
		}
		out.Departures = append(out.Departures, dep)
	}
	return json.Marshal(out)
}

func parseTerminusKey(key string) (stationID, directionID int, err error) {
	s, d, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected stationID:directionID, got %q", key)
	}
	stationID, err = strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("station id %q: %w", s, err)
	}
	directionID, err = strconv.Atoi(d)
	if err != nil {
		return 0, 0, fmt.Errorf("direction id %q: %w", d, err)
	}
	return stationID, directionID, nil
}
