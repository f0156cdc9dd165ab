package config

const (
	// TopicEvents is the NSQ topic carrying job lifecycle and cache
	// progress telemetry.
	TopicEvents = "tabsense.events"
)
