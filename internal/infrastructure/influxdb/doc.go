// Package influxdb records spa telemetry in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Each snapshot the
// bridge publishes is written as three measurements:
//
//   - spa_temperature: current, desired and target temperatures
//   - spa_component: one point per component, value 1 when running
//   - spa_status: online, panel lock and heater readiness flags
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write failed", "error", err) })
//
//	client.WriteSnapshot(snap)
//
// # Error Handling
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Batch failures are delivered to the SetOnError callback.
package influxdb
