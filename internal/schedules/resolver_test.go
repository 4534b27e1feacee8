package schedules

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdcast/internal/types"
)

func TestDayTypeFor(t *testing.T) {
	// 2025-01-16 Thu, 2025-01-18 Sat, 2025-01-19 Sun.
	assert.Equal(t, DayTypeWeekday, DayTypeFor(time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, DayTypeSaturday, DayTypeFor(time.Date(2025, 1, 18, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, DayTypeSunday, DayTypeFor(time.Date(2025, 1, 19, 0, 0, 0, 0, time.UTC)))
}

func newResolverFixture(now time.Time) (*TripResolver, *fakeScheduleRepo, *fakeScheduleRepo, *fakeFetcher, *fakeFetcher) {
	busRepo := newFakeScheduleRepo()
	metroRepo := newFakeScheduleRepo()
	busFetcher := newFakeFetcher()
	metroFetcher := newFakeFetcher()

	busCache := NewCache(CacheConfig{
		Family: types.FamilyBus, Repo: busRepo, Fetcher: busFetcher,
		Clock: types.FixedClock{T: now}, MicroTTL: time.Microsecond, MicroSize: 8,
	})
	metroCache := NewCache(CacheConfig{
		Family: types.FamilyMetro, Repo: metroRepo, Fetcher: metroFetcher,
		Clock: types.FixedClock{T: now}, MicroTTL: time.Microsecond, MicroSize: 8,
	})
	resolver := NewTripResolver(ResolverConfig{BusCache: busCache, MetroCache: metroCache})
	return resolver, busRepo, metroRepo, busFetcher, metroFetcher
}

func busPayload(t *testing.T, going, returning []string, hasService bool) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(busTimetable{
		Going: going, Returning: returning,
		DayType: DayTypeWeekday, HasService: hasService, ValidFor: "2025-01-16",
	})
	require.NoError(t, err)
	return raw
}

func TestTripResolver_Resolve_BusCountsDeparturesPerHour(t *testing.T) {
	now := time.Date(2025, 1, 16, 4, 0, 0, 0, time.UTC)
	date := types.DateOnly(now)
	resolver, busRepo, _, _, _ := newResolverFixture(now)

	require.NoError(t, busRepo.Upsert(context.Background(), &types.ScheduleCacheEntry{
		Family: types.FamilyBus, EntityKey: "500T", Variant: DayTypeWeekday,
		ValidFor: date, FetchedAt: now, SourceStatus: types.SourceSuccess,
		Payload: busPayload(t, []string{"06:00", "06:30", "08:15"}, []string{"06:45", "22:00"}, true),
	}))

	sched := resolver.Resolve(context.Background(), types.TransportLine{LineID: "500T", Mode: types.ModeBus}, date)

	assert.Equal(t, types.FreshnessFresh, sched.Freshness)
	assert.Equal(t, 3, sched.Trips[6])
	assert.Equal(t, 1, sched.Trips[8])
	// 07:00 has no departure but sits inside the service window.
	assert.True(t, sched.InService[7])
	assert.Equal(t, 1, sched.Trips[7])
	// Window runs from the first departure to the last.
	assert.False(t, sched.InService[5])
	assert.True(t, sched.InService[22])
	assert.False(t, sched.InService[23])
	assert.Equal(t, 0, sched.Trips[23])
}

func TestTripResolver_Resolve_BusNoServiceToday(t *testing.T) {
	now := time.Date(2025, 1, 16, 4, 0, 0, 0, time.UTC)
	date := types.DateOnly(now)
	resolver, busRepo, _, _, _ := newResolverFixture(now)

	require.NoError(t, busRepo.Upsert(context.Background(), &types.ScheduleCacheEntry{
		Family: types.FamilyBus, EntityKey: "500T", Variant: DayTypeWeekday,
		ValidFor: date, FetchedAt: now, SourceStatus: types.SourceSuccess,
		Payload: busPayload(t, nil, nil, false),
	}))

	sched := resolver.Resolve(context.Background(), types.TransportLine{LineID: "500T", Mode: types.ModeBus}, date)

	for h := 0; h < 24; h++ {
		assert.False(t, sched.InService[h], "hour %d", h)
		assert.Zero(t, sched.Trips[h], "hour %d", h)
	}
}

func TestTripResolver_Resolve_MissingFallsBackToDefaults(t *testing.T) {
	now := time.Date(2025, 1, 16, 4, 0, 0, 0, time.UTC)
	date := types.DateOnly(now)
	resolver, busRepo, _, busFetcher, _ := newResolverFixture(now)
	busFetcher.errs["500T"] = assert.AnError
	busFetcher.errs["34AS"] = assert.AnError

	// Mark both as already failed so the resolver takes the MISSING path
	// without an on-demand fetch.
	for _, key := range []string{"500T", "34AS"} {
		require.NoError(t, busRepo.Upsert(context.Background(), &types.ScheduleCacheEntry{
			Family: types.FamilyBus, EntityKey: key, Variant: DayTypeWeekday,
			ValidFor: date, FetchedAt: now, SourceStatus: types.SourceFailed, ErrorMessage: "down",
		}))
	}

	bus := resolver.Resolve(context.Background(), types.TransportLine{LineID: "500T", Mode: types.ModeBus}, date)
	assert.Equal(t, types.FreshnessMissing, bus.Freshness)
	for h := 0; h < 24; h++ {
		assert.Equal(t, DefaultTripsPerHour, bus.Trips[h])
		assert.True(t, bus.InService[h])
	}

	metrobus := resolver.Resolve(context.Background(), types.TransportLine{LineID: "34AS", Mode: types.ModeMetrobus}, date)
	assert.Equal(t, MetrobusTripsPerHour, metrobus.Trips[8])
}

func TestTripResolver_Resolve_RailSumsTerminusDepartures(t *testing.T) {
	now := time.Date(2025, 1, 16, 4, 0, 0, 0, time.UTC)
	date := types.DateOnly(now)
	resolver, _, metroRepo, _, _ := newResolverFixture(now)

	rail, ok := DefaultTopology().Line("M2")
	require.True(t, ok)
	require.Len(t, rail.Termini, 2)

	departures := [][]string{
		{"06:05", "06:25", "06:45", "07:05"},
		{"06:15", "06:35", "07:20", "07:50"},
	}
	for i, term := range rail.Termini {
		raw, err := json.Marshal(terminusTimetable{
			StationID: term.StationID, DirectionID: term.DirectionID, Departures: departures[i],
		})
		require.NoError(t, err)
		require.NoError(t, metroRepo.Upsert(context.Background(), &types.ScheduleCacheEntry{
			Family: types.FamilyMetro, EntityKey: term.EntityKey(), Variant: "",
			ValidFor: date, FetchedAt: now, SourceStatus: types.SourceSuccess, Payload: raw,
		}))
	}

	sched := resolver.Resolve(context.Background(), types.TransportLine{LineID: "M2", Mode: types.ModeMetro}, date)

	assert.Equal(t, types.FreshnessFresh, sched.Freshness)
	assert.Equal(t, 5, sched.Trips[6])
	assert.Equal(t, 3, sched.Trips[7])
	// Service window comes from the topology, not the departures.
	assert.False(t, sched.InService[5])
	assert.True(t, sched.InService[6])
	assert.True(t, sched.InService[23])
}

func TestTripResolver_Resolve_MarmarayServiceWindow(t *testing.T) {
	now := time.Date(2025, 1, 16, 4, 0, 0, 0, time.UTC)
	date := types.DateOnly(now)
	resolver, _, metroRepo, _, metroFetcher := newResolverFixture(now)

	rail, ok := DefaultTopology().Line("MARMARAY")
	require.True(t, ok)
	for _, term := range rail.Termini {
		metroFetcher.errs[term.EntityKey()] = assert.AnError
		require.NoError(t, metroRepo.Upsert(context.Background(), &types.ScheduleCacheEntry{
			Family: types.FamilyMetro, EntityKey: term.EntityKey(), Variant: "",
			ValidFor: date, FetchedAt: now, SourceStatus: types.SourceFailed, ErrorMessage: "down",
		}))
	}

	sched := resolver.Resolve(context.Background(), types.TransportLine{LineID: "MARMARAY", Mode: types.ModeMetro}, date)

	// Departures unavailable: defaults apply inside the fixed 06:00 to
	// midnight window, out-of-service outside it.
	assert.Equal(t, types.FreshnessMissing, sched.Freshness)
	assert.False(t, sched.InService[5])
	assert.Zero(t, sched.Trips[5])
	assert.True(t, sched.InService[6])
	assert.Equal(t, DefaultTripsPerHour, sched.Trips[6])
	assert.True(t, sched.InService[23])
}

func TestTopology_LoadTopology_RejectsInvalidWindow(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/topology.json"
	require.NoError(t, writeFile(path, `[{"line_id":"X1","termini":[{"station_id":1,"direction_id":0}],"service_start":"25:00","service_end":"00:00"}]`))

	_, err := LoadTopology(path)
	assert.Error(t, err)
}

func TestTopology_Entities_Deduplicates(t *testing.T) {
	topo := newTopology([]RailLine{
		{LineID: "A", Termini: []MetroTerminus{{1, 0}, {2, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "B", Termini: []MetroTerminus{{2, 1}, {3, 0}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
	})
	assert.Len(t, topo.Entities(), 3)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
