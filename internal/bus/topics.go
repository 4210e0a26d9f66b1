package bus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("run.%s.events", runID)
}

func TopicRunResult(runID string) string {
	return fmt.Sprintf("run.%s.result", runID)
}

func TopicNodeEvents(runID, node string) string {
	return fmt.Sprintf("run.%s.node.%s", runID, node)
}

func TopicScheduleEvents(recurringID string) string {
	return fmt.Sprintf("schedule.%s.events", recurringID)
}

const (
	TopicEventsAll   = "run.>"
	TopicScheduleAll = "schedule.>"
	TopicEverything  = ">"
)
