// Package config handles loading and validating the spa bridge configuration.
//
// This package manages:
//   - Loading an optional dotenv file and a YAML file
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (spa password, MQTT password, InfluxDB token) should be
//     set via environment variables
//   - Config.String and Config.MarshalJSON redact secrets; log those, never
//     the raw fields
//
// Usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.TopicPrefix)
package config
