// Package mqtt provides the bridge's MQTT client.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retain control
//   - Subscriptions that survive reconnects
//   - Last Will and Testament on controlmyspa/bridge/status
//
// # Availability
//
// On every (re)connect the client publishes a retained online status:
//
//	controlmyspa/bridge/status {"status":"online","client_id":"controlmyspa-bridge","timestamp":"…"}
//
// Close replaces it with reason "graceful_shutdown"; the broker publishes
// reason "unexpected_disconnect" if the process dies.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("controlmyspa/spa1/light/0/set", 1, handler)
//	err = client.Publish("controlmyspa/spa1/light/0", []byte(`{"value":"HIGH"}`), 1, true)
package mqtt
