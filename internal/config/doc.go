// Package config handles configuration loading for drift-relay.
//
// Configuration is loaded from YAML files with environment variable
// expansion. Values can reference environment variables:
//
//	assistant:
//	  api_key: "${ASSISTANT_API_KEY}"
//
// Unset variables expand to the empty string. Duration fields are plain
// Go duration strings ("30s", "5m", "168h"). Missing optional fields fall
// back to defaults; Validate rejects configurations that cannot start the
// relay (unknown storage backend, missing upstream URLs).
package config
