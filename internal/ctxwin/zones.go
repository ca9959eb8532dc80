package ctxwin

// AllocResult is the outcome of Allocate.
type AllocResult struct {
	Accepted bool
	Reason   string
	Alloc    map[Zone]int
}

// Allocate distributes totalBudget across zones given per-zone demand and
// per-zone {min, max} budgets, per spec.md §4.5:
//  1. If the sum of floors exceeds totalBudget, reject.
//  2. Floors are satisfied first; remaining budget goes to zones in
//     descending priority order (ZoneOrder), capped at each zone's max
//     and its demand.
//  3. Zones with zero demand stay at zero.
func Allocate(totalBudget int, zoneDemands map[Zone]int, budgets map[Zone]ZoneBudget) AllocResult {
	floorSum := 0
	for _, z := range ZoneOrder {
		floorSum += budgets[z].Min
	}
	if floorSum > totalBudget {
		return AllocResult{Accepted: false, Reason: "floor_unmet"}
	}

	alloc := make(map[Zone]int, len(ZoneOrder))
	remaining := totalBudget

	// Step 1: satisfy floors for zones with demand. A zone with zero
	// demand stays at zero even if it has a floor, since there's nothing
	// to fill it with.
	for _, z := range ZoneOrder {
		demand := zoneDemands[z]
		if demand == 0 {
			alloc[z] = 0
			continue
		}
		min := budgets[z].Min
		give := min
		if give > demand {
			give = demand
		}
		alloc[z] = give
		remaining -= give
	}

	// Step 2: distribute remaining budget in descending priority order,
	// capped at each zone's max and its demand.
	for _, z := range ZoneOrder {
		demand := zoneDemands[z]
		if demand == 0 {
			continue
		}
		max := budgets[z].Max
		want := demand - alloc[z]
		if want <= 0 {
			continue
		}
		if remaining <= 0 {
			continue
		}
		give := want
		if give > remaining {
			give = remaining
		}
		if max > 0 && alloc[z]+give > max {
			give = max - alloc[z]
			if give < 0 {
				give = 0
			}
		}
		alloc[z] += give
		remaining -= give
	}

	return AllocResult{Accepted: true, Alloc: alloc}
}
