package schedules

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"crowdcast/internal/types"
)

// Fallback trip frequencies applied when no usable timetable exists. The
// metrobus corridor runs far more often than a regular bus line, so it gets
// its own default.
const (
	DefaultTripsPerHour  = 1
	MetrobusTripsPerHour = 6
)

// LineSchedule is the resolved per-hour service profile for one line and
// date: trips per hour, the in-service mask, and the freshness of the
// timetable that produced it. Freshness MISSING means the defaults were
// used.
type LineSchedule struct {
	Trips     [24]int
	InService [24]bool
	Freshness types.Freshness
}

// busTimetable is the normalized bus payload stored in the cache: departure
// times per direction for one day-type variant.
type busTimetable struct {
	Going      []string `json:"G"`
	Returning  []string `json:"D"`
	DayType    string   `json:"day_type"`
	HasService bool     `json:"has_service_today"`
	ValidFor   string   `json:"valid_for"`
}

// terminusTimetable is the normalized rail payload stored in the cache:
// departure times from one terminus in one direction.
type terminusTimetable struct {
	StationID   int      `json:"station_id"`
	DirectionID int      `json:"direction_id"`
	Departures  []string `json:"departures"`
}

// ResolverConfig carries the TripResolver's dependencies.
type ResolverConfig struct {
	BusCache   *Cache
	MetroCache *Cache
	Topology   *Topology
	Logger     *slog.Logger
}

// TripResolver turns cached timetables into per-hour trip counts and service
// windows. It never fails a resolve: unusable or missing timetables degrade
// to a conservative default frequency so the batch engine always gets a full
// profile for every line.
type TripResolver struct {
	bus      *Cache
	metro    *Cache
	topology *Topology
	logger   *slog.Logger
}

// NewTripResolver creates a resolver over the two cache families.
func NewTripResolver(cfg ResolverConfig) *TripResolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topology := cfg.Topology
	if topology == nil {
		topology = DefaultTopology()
	}
	return &TripResolver{
		bus:      cfg.BusCache,
		metro:    cfg.MetroCache,
		topology: topology,
		logger:   logger,
	}
}

// Resolve returns the service profile for a line on a date.
func (r *TripResolver) Resolve(ctx context.Context, line types.TransportLine, validFor time.Time) LineSchedule {
	switch line.Mode {
	case types.ModeMetro:
		return r.resolveRail(ctx, line, validFor)
	case types.ModeBus, types.ModeMetrobus:
		return r.resolveBus(ctx, line, validFor)
	default:
		// No timetable source for this mode.
		return defaultSchedule(line.Mode, types.FreshnessMissing)
	}
}

func (r *TripResolver) resolveBus(ctx context.Context, line types.TransportLine, validFor time.Time) LineSchedule {
	variant := DayTypeFor(validFor)
	res := r.bus.Get(ctx, line.LineID, variant, validFor)
	if res.Freshness == types.FreshnessMissing {
		return defaultSchedule(line.Mode, types.FreshnessMissing)
	}

	var tt busTimetable
	if err := json.Unmarshal(res.Payload, &tt); err != nil {
		r.logger.ErrorContext(ctx, "unusable bus timetable payload",
			"line_id", line.LineID,
			"variant", variant,
			"error", err,
		)
		return defaultSchedule(line.Mode, types.FreshnessMissing)
	}

	if !tt.HasService {
		// Line published as not running today: every hour out of service.
		return LineSchedule{Freshness: res.Freshness}
	}

	counts := countDepartures(append(append([]string{}, tt.Going...), tt.Returning...))
	return windowedSchedule(counts, serviceWindowFromCounts(counts), res.Freshness)
}

func (r *TripResolver) resolveRail(ctx context.Context, line types.TransportLine, validFor time.Time) LineSchedule {
	rail, ok := r.topology.Line(line.LineID)
	if !ok {
		r.logger.Warn("rail line missing from topology", "line_id", line.LineID)
		return defaultSchedule(line.Mode, types.FreshnessMissing)
	}

	inService, err := rail.serviceHours()
	if err != nil {
		r.logger.Warn("invalid service window in topology", "line_id", line.LineID, "error", err)
		return defaultSchedule(line.Mode, types.FreshnessMissing)
	}

	var (
		counts    [24]int
		freshness = types.FreshnessFresh
		usable    bool
	)
	for _, term := range rail.Termini {
		res := r.metro.Get(ctx, term.EntityKey(), "", validFor)
		if res.Freshness == types.FreshnessMissing {
			freshness = worseFreshness(freshness, types.FreshnessMissing)
			continue
		}
		var tt terminusTimetable
		if err := json.Unmarshal(res.Payload, &tt); err != nil {
			r.logger.ErrorContext(ctx, "unusable terminus timetable payload",
				"line_id", line.LineID,
				"entity_key", term.EntityKey(),
				"error", err,
			)
			freshness = worseFreshness(freshness, types.FreshnessMissing)
			continue
		}
		usable = true
		freshness = worseFreshness(freshness, res.Freshness)
		for hour, n := range countDepartures(tt.Departures) {
			counts[hour] += n
		}
	}

	if !usable {
		sched := defaultSchedule(line.Mode, types.FreshnessMissing)
		sched.InService = inService
		for h := range sched.Trips {
			if !inService[h] {
				sched.Trips[h] = 0
			}
		}
		return sched
	}
	return windowedSchedule(counts, inService, freshness)
}

// windowedSchedule combines departure counts with an in-service mask. Hours
// inside the window with no counted departure still get one trip so gaps in
// sparse timetables do not read as zero capacity.
func windowedSchedule(counts [24]int, inService [24]bool, freshness types.Freshness) LineSchedule {
	sched := LineSchedule{InService: inService, Freshness: freshness}
	for h := 0; h < 24; h++ {
		if !inService[h] {
			continue
		}
		sched.Trips[h] = counts[h]
		if sched.Trips[h] < 1 {
			sched.Trips[h] = 1
		}
	}
	return sched
}

// serviceWindowFromCounts derives a bus line's window from its departures:
// in service from the first departure hour through the last.
func serviceWindowFromCounts(counts [24]int) [24]bool {
	first, last := -1, -1
	for h := 0; h < 24; h++ {
		if counts[h] > 0 {
			if first == -1 {
				first = h
			}
			last = h
		}
	}
	var inService [24]bool
	if first == -1 {
		return inService
	}
	for h := first; h <= last; h++ {
		inService[h] = true
	}
	return inService
}

// defaultSchedule is the all-day fallback profile used when no timetable is
// usable.
func defaultSchedule(mode types.TransportMode, freshness types.Freshness) LineSchedule {
	trips := DefaultTripsPerHour
	if mode == types.ModeMetrobus {
		trips = MetrobusTripsPerHour
	}
	var sched LineSchedule
	sched.Freshness = freshness
	for h := 0; h < 24; h++ {
		sched.Trips[h] = trips
		sched.InService[h] = true
	}
	return sched
}

// countDepartures buckets "HH:MM" departure times by hour, skipping
// unparseable entries.
func countDepartures(departures []string) [24]int {
	var counts [24]int
	for _, dep := range departures {
		h, _, ok := strings.Cut(strings.TrimSpace(dep), ":")
		if !ok {
			continue
		}
		hour, err := strconv.Atoi(h)
		if err != nil || hour < 0 || hour > 23 {
			continue
		}
		counts[hour]++
	}
	return counts
}

func worseFreshness(a, b types.Freshness) types.Freshness {
	rank := func(f types.Freshness) int {
		switch f {
		case types.FreshnessFresh:
			return 0
		case types.FreshnessStale:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
