package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicRunControl(runID string) string {
	return fmt.Sprintf("run.%s.control", runID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsRuns      = "events.run.*"
	TopicEventsMonitor   = "events.monitor"
	TopicEventsScheduler = "events.scheduler"
)
