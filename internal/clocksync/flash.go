package clocksync

import (
	"sort"
	"time"

	"spokehub/internal/models"
)

// Validate converts each device's local flash timestamp to hub time using
// its offset and checks that all of them fall within tolerance of each
// other. Devices without an offset cannot be placed on the hub timeline and
// are listed as excluded.
func Validate(eventID string, local map[string]time.Time, offsets map[string]*models.ClockOffset, tolerance time.Duration) models.FlashResult {
	res := models.FlashResult{
		EventID:   eventID,
		HubTimes:  make(map[string]time.Time, len(local)),
		Offsets:   make(map[string]time.Duration, len(local)),
		Tolerance: tolerance,
	}

	ids := make([]string, 0, len(local))
	for id := range local {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var earliest, latest time.Time
	for _, id := range ids {
		off := offsets[id]
		if off == nil {
			res.Excluded = append(res.Excluded, id)
			continue
		}
		hub := off.ToHub(local[id])
		res.HubTimes[id] = hub
		res.Offsets[id] = off.Offset
		if earliest.IsZero() || hub.Before(earliest) {
			earliest = hub
		}
		if latest.IsZero() || hub.After(latest) {
			latest = hub
		}
	}

	if len(res.HubTimes) > 0 {
		res.Spread = latest.Sub(earliest)
		res.Passed = res.Spread <= tolerance
	}
	return res
}
