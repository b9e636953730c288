// Package config loads the control-plane service configuration.
//
// Configuration comes from a YAML file laid over DefaultConfig, then from
// FLOWPLANE_* environment variables, and is checked with validator struct
// tags:
//
//	store:
//	  driver: postgres
//	  dsn: postgres://flowplane@db/flowplane
//	nats:
//	  enabled: true
//	  url: nats://nats:4222
//	policies:
//	  paths: [/etc/flowplane/policies]
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// Environment overrides include FLOWPLANE_STORE_DSN, FLOWPLANE_NATS_URL,
// FLOWPLANE_EXECUTOR_AUTH_TOKEN, FLOWPLANE_SSH_USER,
// FLOWPLANE_SCHEDULER_WORKERS and FLOWPLANE_LOG_LEVEL. List values such as FLOWPLANE_POLICY_PATHS are
// comma separated.
package config
