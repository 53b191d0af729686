package protocol

import "fmt"

// Well-known namespaces. These are opaque protocol strings; the session and
// dispatcher treat anything not listed here as a pass-through key.
const (
	NamespaceSystemAll     = "Appliance.System.All"
	NamespaceSystemAbility = "Appliance.System.Ability"
	NamespaceSystemTime    = "Appliance.System.Time"
	NamespaceSystemOnline  = "Appliance.System.Online"
	NamespaceSystemDebug   = "Appliance.System.Debug"

	NamespaceControlToggle  = "Appliance.Control.Toggle"
	NamespaceControlToggleX = "Appliance.Control.ToggleX"
	NamespaceControlTrigger = "Appliance.Control.TriggerX"
	NamespaceControlBind    = "Appliance.Control.Bind"
	NamespaceControlUnbind  = "Appliance.Control.Unbind"

	NamespaceRollerShutterPosition = "Appliance.RollerShutter.Position"
	NamespaceRollerShutterState    = "Appliance.RollerShutter.State"

	NamespaceDigestHub = "Appliance.Digest.Hub"

	NamespaceHubOnline        = "Appliance.Hub.Online"
	NamespaceHubToggleX       = "Appliance.Hub.ToggleX"
	NamespaceHubBattery       = "Appliance.Hub.Battery"
	NamespaceHubSensorAll     = "Appliance.Hub.Sensor.All"
	NamespaceHubSensorTempHum = "Appliance.Hub.Sensor.TempHum"
)

// Digest keys referenced by name outside raw payloads.
const (
	KeyHub     = "hub"
	KeyToggleX = "togglex"
)

// Device-reported online status values (Appliance.System.Online payloads).
const (
	StatusNotOnline = 0
	StatusOnline    = 1
	StatusOffline   = 2
	StatusUnknown   = -1
)

// MQTT topics. A session publishes requests to the appliance's subscribe
// topic and listens for replies and pushes on its publish topic.
const (
	topicRequestFormat = "/appliance/%s/subscribe"
	topicInboundFormat = "/appliance/%s/publish"
)

// TopicRequest returns the topic a controller publishes requests to for the
// given appliance.
func TopicRequest(deviceID string) string {
	return fmt.Sprintf(topicRequestFormat, deviceID)
}

// TopicInbound returns the topic the appliance publishes replies and pushes
// on.
func TopicInbound(deviceID string) string {
	return fmt.Sprintf(topicInboundFormat, deviceID)
}
