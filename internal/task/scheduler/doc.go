// Package scheduler turns schedules into task-engine work.
//
// Recurring jobs (the calendar poll and daily maintenance) are registered on a
// robfig/cron instance; one-shot jobs (meeting alert triggers) run on
// time.AfterFunc. Either way the job itself executes on the engine.
package scheduler
