/*
Package config loads eventflow engine configuration from YAML or JSON.

# Documents

An engine document has four top-level sections:

	engine:
	  dispatch_mode: async      # sync (default) or async
	  workers: 8                # async executor workers
	  poll_interval: 50ms
	  tenant_fallback: true
	  store:
	    driver: sqlite          # memory (default) or sqlite
	    path: eventflow.db
	  queue:
	    driver: redis           # memory (default) or redis
	    addr: localhost:6379
	    key: eventflow:jobs

	event_models:
	  - key: myEvent
	    version: 1
	    correlation_parameters: [{name: customerId, type: string}]
	    headers: [{name: region, type: string}]

	channels:
	  - key: orders
	    headers_field: headers

	definitions:
	  - lineage: order
	    start_triggers:
	      - event_type: myEvent
	        correlation_values: [{name: customerId, value: kermit}]
	        configuration: {only_one_instance: true}
	    behavior:
	      listeners: [{event_type: shipped, correlation: [{parameter: customerId, variable: customerId}]}]

Load reads a file and returns a validated File. The map-backed Config
type underneath is usable on its own:

	cfg, err := config.FromFile("eventflow.yaml")
	workers := cfg.Section("engine").Int("workers", 4)

# Type Coercion

Duration accepts Go duration strings ("50ms", "1m") and plain numbers,
read as milliseconds. Int accepts floats without a fractional part, which
is how JSON documents deliver integers.
*/
package config
