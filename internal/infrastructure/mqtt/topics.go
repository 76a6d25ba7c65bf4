package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes of the CandyConnect MQTT hierarchy.
//
//	candyconnect/system/status           online/offline (retained, LWT)
//	candyconnect/core/{protocol}/status  last reconciled status (retained)
//	candyconnect/core/{protocol}/event   lifecycle events and corrections
//	candyconnect/core/{protocol}/command lifecycle requests from the panel
const (
	// TopicPrefix is the root of every CandyConnect topic.
	TopicPrefix = "candyconnect"

	// TopicPrefixCore is the base for per-protocol topics.
	TopicPrefixCore = TopicPrefix + "/core"

	// TopicPrefixSystem is the base for service-level topics.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Per-protocol topic leaves.
const (
	LeafStatus  = "status"
	LeafEvent   = "event"
	LeafCommand = "command"
)

// Topics builds CandyConnect topic names.
//
//	topics := mqtt.Topics{}
//	topics.CoreStatus("wireguard") // "candyconnect/core/wireguard/status"
type Topics struct{}

// SystemStatus is the service presence topic, also used for the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// CoreStatus returns the retained status topic of a protocol.
func (Topics) CoreStatus(protocol string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixCore, protocol, LeafStatus)
}

// CoreEvent returns the event topic of a protocol.
func (Topics) CoreEvent(protocol string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixCore, protocol, LeafEvent)
}

// CoreCommand returns the command topic of a protocol.
func (Topics) CoreCommand(protocol string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixCore, protocol, LeafCommand)
}

// AllCoreCommands matches the command topic of every protocol.
func (Topics) AllCoreCommands() string {
	return TopicPrefixCore + "/+/" + LeafCommand
}

// AllCoreEvents matches the event topic of every protocol.
func (Topics) AllCoreEvents() string {
	return TopicPrefixCore + "/+/" + LeafEvent
}

// AllTopics matches everything under the prefix.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// ParseCoreTopic splits "candyconnect/core/{protocol}/{leaf}". It reports
// false for topics outside the core hierarchy.
func ParseCoreTopic(topic string) (protocol, leaf string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixCore+"/")
	if !found {
		return "", "", false
	}
	protocol, leaf, found = strings.Cut(rest, "/")
	if !found || protocol == "" || leaf == "" || strings.Contains(leaf, "/") {
		return "", "", false
	}
	return protocol, leaf, true
}
