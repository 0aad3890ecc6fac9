package alarm

import "tankwatch/internal/models"

var transitions = map[models.AlarmState][]models.AlarmState{
	models.AlarmNormal:           {models.AlarmPreAlarm, models.AlarmTargetReached},
	models.AlarmPreAlarm:         {models.AlarmNormal, models.AlarmTargetReached, models.AlarmOvershootWarning},
	models.AlarmTargetReached:    {models.AlarmNormal, models.AlarmOvershootWarning, models.AlarmOvershootAlarm},
	models.AlarmOvershootWarning: {models.AlarmTargetReached, models.AlarmOvershootAlarm, models.AlarmNormal},
	models.AlarmOvershootAlarm:   {models.AlarmOvershootWarning, models.AlarmTargetReached, models.AlarmNormal},
}

// ladder orders states by how far the operation has progressed.
var ladder = []models.AlarmState{
	models.AlarmNormal,
	models.AlarmPreAlarm,
	models.AlarmTargetReached,
	models.AlarmOvershootWarning,
	models.AlarmOvershootAlarm,
}

func CanTransition(from, to models.AlarmState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func level(s models.AlarmState) int {
	for i, l := range ladder {
		if l == s {
			return i
		}
	}
	return 0
}

// Priority ranks states for display; lower numbers win.
func Priority(s models.AlarmState) int {
	switch s {
	case models.AlarmOvershootAlarm:
		return 1
	case models.AlarmOvershootWarning:
		return 2
	case models.AlarmPreAlarm:
		return 3
	case models.AlarmTargetReached:
		return 4
	default:
		return 5
	}
}

// Highest returns the state with the highest display priority.
func Highest(states ...models.AlarmState) models.AlarmState {
	best := models.AlarmNormal
	for _, s := range states {
		if Priority(s) < Priority(best) {
			best = s
		}
	}
	return best
}

// Escalation reports whether moving from one state to another warrants notifying
// people off-screen. Descents never do.
func Escalation(from, to models.AlarmState) bool {
	if level(to) <= level(from) {
		return false
	}
	return to == models.AlarmTargetReached || to == models.AlarmOvershootWarning || to == models.AlarmOvershootAlarm
}

// route returns the state to move to from cur when aiming at want. Moves that skip
// a step go through the legal state closest to want without passing it; when there
// is none, cur holds.
func route(cur, want models.AlarmState) models.AlarmState {
	if cur == want || CanTransition(cur, want) {
		return want
	}
	if level(want) < level(cur) {
		best := cur
		for _, s := range transitions[cur] {
			if level(s) < level(best) && level(s) >= level(want) {
				best = s
			}
		}
		return best
	}
	best := cur
	for _, s := range transitions[cur] {
		if level(s) > level(best) && level(s) < level(want) {
			best = s
		}
	}
	return best
}
