package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every till topic.
//
// Per-terminal topics use the scheme: till/{terminal}/{category}[/{name}]
const TopicPrefix = "till"

// Event kinds published under till/{terminal}/event/{kind}.
const (
	EventBackup    = "backup"
	EventRestore   = "restore"
	EventIntegrity = "integrity"

	// EventOrderNumberDegraded is published when an order number was
	// issued from the clock fallback instead of the sequence table.
	EventOrderNumberDegraded = "order_number_degraded"
)

// Commands accepted under till/{terminal}/command/{name}.
const (
	CommandBackup    = "backup"
	CommandIntegrity = "integrity"
)

// Topics provides builders for one terminal's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Terminal: "till-01"}
//	topics.Event(mqtt.EventBackup)
//	// Returns: "till/till-01/event/backup"
type Topics struct {
	Terminal string
}

// Status returns the retained online/offline status topic, also used as
// the Last Will topic.
//
// Example: till/till-01/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, t.Terminal)
}

// Event returns the topic for a maintenance or sequencing event.
//
// Example: till/till-01/event/integrity
func (t Topics) Event(kind string) string {
	return fmt.Sprintf("%s/%s/event/%s", TopicPrefix, t.Terminal, kind)
}

// Command returns the topic a back office publishes to in order to
// trigger a maintenance run on this terminal.
//
// Example: till/till-01/command/backup
func (t Topics) Command(name string) string {
	return fmt.Sprintf("%s/%s/command/%s", TopicPrefix, t.Terminal, name)
}

// AllCommands returns a pattern matching every command for this terminal.
//
// Pattern: till/till-01/command/+
func (t Topics) AllCommands() string {
	return fmt.Sprintf("%s/%s/command/+", TopicPrefix, t.Terminal)
}

// CommandName extracts the command name from a topic built by Command.
// It returns false for topics of another terminal or category.
func (t Topics) CommandName(topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/%s/command/", TopicPrefix, t.Terminal)
	name, ok := strings.CutPrefix(topic, prefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
