// Package plugins registers all built-in plugins.
package plugins

import (
	"flowguard/pkg/plugin"
	"flowguard/plugins/reporter/console"
	"flowguard/plugins/reporter/kafka"
)

func init() {
	// Register reporter plugins
	plugin.RegisterReporter("console", console.NewConsoleReporter)
	plugin.RegisterReporter("kafka", kafka.NewKafkaReporter)

	// More plugins will be registered here as they are implemented
}
