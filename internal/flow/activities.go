package flow

import "time"

// Activity is a small diversion suggested to a player while their submission
// waits in the evaluation queue.
type Activity struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Seconds          int     `json:"seconds"`
	EngagementPoints float64 `json:"engagementPoints"`
}

var defaultActivities = []Activity{
	{ID: "prediction-poll", Title: "Predict the round winner", Seconds: 15, EngagementPoints: 2},
	{ID: "lore-snippet", Title: "Read a game lore snippet", Seconds: 20, EngagementPoints: 3},
	{ID: "trivia-sprint", Title: "Answer a trivia question", Seconds: 30, EngagementPoints: 5},
	{ID: "emoji-riddle", Title: "Solve an emoji riddle", Seconds: 45, EngagementPoints: 8},
	{ID: "speed-doodle", Title: "Doodle the prompt", Seconds: 60, EngagementPoints: 10},
}

// selectActivities keeps activities that fit within the estimated queue
// wait. With no estimate yet (cold queue) only quick fillers are offered.
func selectActivities(catalog []Activity, wait time.Duration) []Activity {
	budget := int(wait.Seconds())
	if wait <= 0 {
		budget = 30
	}
	out := make([]Activity, 0, len(catalog))
	for _, a := range catalog {
		if a.Seconds <= budget {
			out = append(out, a)
		}
	}
	return out
}
