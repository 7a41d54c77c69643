package mqtt

// TopicPrefixBridge is the base for process-level bridge topics. Spa entity
// topics live under the configurable per-spa prefix instead.
const TopicPrefixBridge = "controlmyspa/bridge"

// Topics provides builders for the bridge's own MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Status() // "controlmyspa/bridge/status"
type Topics struct{}

// Status returns the availability topic used for the Last Will.
//
// Example: controlmyspa/bridge/status
func (Topics) Status() string {
	return TopicPrefixBridge + "/status"
}

// Health returns the periodic health report topic.
//
// Example: controlmyspa/bridge/health
func (Topics) Health() string {
	return TopicPrefixBridge + "/health"
}
