package external

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crowdcast/internal/types"
)

// BusScheduleClient fetches planned departure times for bus lines from the
// operator's SOAP timetable service and normalizes them into the cache
// payload shape consumed by the trip resolver.
type BusScheduleClient struct {
	base    *BaseClient
	baseURL string
}

// NewBusScheduleClient creates a BusScheduleClient.
func NewBusScheduleClient(httpClient *http.Client, baseURL string, opts ...BaseClientOption) *BusScheduleClient {
	return &BusScheduleClient{
		base:    NewBaseClient(httpClient, "bus-schedule", DefaultRetryPolicy(), "crowdcast/1.0", opts...),
		baseURL: baseURL,
	}
}

const busScheduleEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <GetPlanlananSeferSaati_json xmlns="http://tempuri.org/">
      <HatKodu>%s</HatKodu>
    </GetPlanlananSeferSaati_json>
  </soap:Body>
</soap:Envelope>`

// soapScheduleResponse extracts the JSON string the service wraps in its SOAP
// envelope.
type soapScheduleResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Response struct {
			Result string `xml:"GetPlanlananSeferSaati_jsonResult"`
		} `xml:"GetPlanlananSeferSaati_jsonResponse"`
	} `xml:"Body"`
}

// scheduleRow is one departure record in the unwrapped JSON. SYON is the
// direction (G outbound, D return), SGUNTIPI the day-type variant, SSAAT the
// "HH:MM" departure time.
type scheduleRow struct {
	LineCode  string `json:"SHATKODU"`
	Direction string `json:"SYON"`
	DayType   string `json:"SGUNTIPI"`
	Departure string `json:"SSAAT"`
}

// busTimetablePayload is the normalized form stored in the schedule cache.
type busTimetablePayload struct {
	Going      []string `json:"G"`
	Returning  []string `json:"D"`
	DayType    string   `json:"day_type"`
	HasService bool     `json:"has_service_today"`
	ValidFor   string   `json:"valid_for"`
}

// Fetch implements the schedule cache's Fetcher for the bus family. The
// entity key is the line code and the variant the day type. The upstream
// returns all variants at once; only the requested one is kept.
func (c *BusScheduleClient) Fetch(ctx context.Context, entityKey, variant string, validFor time.Time) (json.RawMessage, error) {
	envelope := fmt.Sprintf(busScheduleEnvelope, entityKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(envelope))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build bus schedule request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "http://tempuri.org/GetPlanlananSeferSaati_json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamSchedule, "bus schedule request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamSchedule,
			fmt.Sprintf("bus schedule upstream returned %d", resp.StatusCode),
			nil,
		)
	}

	var soapResp soapScheduleResponse
	if err := xml.NewDecoder(resp.Body).Decode(&soapResp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamSchedule, "failed to decode bus schedule envelope", err)
	}

	var rows []scheduleRow
	if err := json.Unmarshal([]byte(soapResp.Body.Response.Result), &rows); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamSchedule, "failed to decode bus schedule rows", err)
	}

	payload := busTimetablePayload{
		Going:     []string{},
		Returning: []string{},
		DayType:   variant,
		ValidFor:  types.DateKey(validFor),
	}
	for _, row := range rows {
		if row.DayType != variant {
			continue
		}
		dep := normalizeDeparture(row.Departure)
		if dep == "" {
			continue
		}
		switch row.Direction {
		case "G":
			payload.Going = append(payload.Going, dep)
		case "D":
			payload.Returning = append(payload.Returning, dep)
		}
	}
	payload.HasService = len(payload.Going)+len(payload.Returning) > 0

	return json.Marshal(payload)
}

// normalizeDeparture trims "HH:MM:SS" to "HH:MM" and rejects anything that
// does not look like a time of day.
func normalizeDeparture(s string) string {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + ":" + parts[1]
}
