package schedules

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MetroTerminus identifies one end of a rail line in the upstream departures
// API. Departures are only published for terminus stations, so counting them
// per hour yields the line's trip frequency.
type MetroTerminus struct {
	StationID   int `json:"station_id"`
	DirectionID int `json:"direction_id"`
}

// EntityKey renders the terminus as the cache entity key.
func (t MetroTerminus) EntityKey() string {
	return strconv.Itoa(t.StationID) + ":" + strconv.Itoa(t.DirectionID)
}

// RailLine is the static description of one rail line: its terminus stations
// and daily service window. Windows use "HH:MM"; an end of "00:00" means
// service runs through midnight.
type RailLine struct {
	LineID       string          `json:"line_id"`
	Termini      []MetroTerminus `json:"termini"`
	ServiceStart string          `json:"service_start"`
	ServiceEnd   string          `json:"service_end"`
}

// Topology is the static rail network description the resolver consults for
// terminus keys and service windows. The departures API exposes neither, so
// they are maintained here rather than fetched.
type Topology struct {
	lines map[string]RailLine
}

// DefaultTopology returns the built-in Istanbul rail network. Marmaray has no
// per-day timetable; its 06:00 to midnight window is fixed year round.
func DefaultTopology() *Topology {
	return newTopology([]RailLine{
		{LineID: "M1A", Termini: []MetroTerminus{{101, 0}, {118, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "M1B", Termini: []MetroTerminus{{101, 0}, {131, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "M2", Termini: []MetroTerminus{{201, 0}, {216, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "M3", Termini: []MetroTerminus{{301, 0}, {311, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "M4", Termini: []MetroTerminus{{401, 0}, {423, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "M5", Termini: []MetroTerminus{{501, 0}, {516, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "M6", Termini: []MetroTerminus{{601, 0}, {604, 1}}, ServiceStart: "06:30", ServiceEnd: "00:00"},
		{LineID: "M7", Termini: []MetroTerminus{{701, 0}, {719, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "T1", Termini: []MetroTerminus{{801, 0}, {831, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "T4", Termini: []MetroTerminus{{901, 0}, {922, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
		{LineID: "MARMARAY", Termini: []MetroTerminus{{1001, 0}, {1043, 1}}, ServiceStart: "06:00", ServiceEnd: "00:00"},
	})
}

// LoadTopology reads a topology from a JSON file of RailLine objects,
// replacing the built-in network. Used for deployments covering a different
// network than the default.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	var lines []RailLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}
	for _, l := range lines {
		if l.LineID == "" || len(l.Termini) == 0 {
			return nil, fmt.Errorf("topology line %q: missing line_id or termini", l.LineID)
		}
		if _, _, err := parseServiceWindow(l.ServiceStart, l.ServiceEnd); err != nil {
			return nil, fmt.Errorf("topology line %s: %w", l.LineID, err)
		}
	}
	return newTopology(lines), nil
}

func newTopology(lines []RailLine) *Topology {
	t := &Topology{lines: make(map[string]RailLine, len(lines))}
	for _, l := range lines {
		t.lines[l.LineID] = l
	}
	return t
}

// Line returns the static description for a rail line, if known.
func (t *Topology) Line(lineID string) (RailLine, bool) {
	l, ok := t.lines[lineID]
	return l, ok
}

// Entities returns every terminus cache entity in the network, the prefetch
// working set for the metro family.
func (t *Topology) Entities() []Entity {
	seen := make(map[string]struct{})
	var out []Entity
	for _, l := range t.lines {
		for _, term := range l.Termini {
			key := term.EntityKey()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Entity{Key: key})
		}
	}
	return out
}

// serviceHours marks the in-service hours for a window. An end of "00:00"
// (or an end at or before the start) is treated as running to midnight.
func (l RailLine) serviceHours() ([24]bool, error) {
	start, end, err := parseServiceWindow(l.ServiceStart, l.ServiceEnd)
	if err != nil {
		return [24]bool{}, err
	}
	var hours [24]bool
	for h := 0; h < 24; h++ {
		hours[h] = h >= start && h < end
	}
	return hours, nil
}

// parseServiceWindow returns the first in-service hour and the exclusive end
// hour (1..24).
func parseServiceWindow(startStr, endStr string) (start, end int, err error) {
	start, err = parseHourOfDay(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("service_start %q: %w", startStr, err)
	}
	end, err = parseHourOfDay(endStr)
	if err != nil {
		return 0, 0, fmt.Errorf("service_end %q: %w", endStr, err)
	}
	if end <= start {
		end = 24
	}
	return start, end, nil
}

func parseHourOfDay(s string) (int, error) {
	h, _, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("expected HH:MM")
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range")
	}
	return hour, nil
}
