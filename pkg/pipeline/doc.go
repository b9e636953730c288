// Package pipeline turns pipeline documents into persisted nodes.
//
// A document is YAML, JSON or CUE:
//
//	id: etl
//	nodes:
//	  - id: extract
//	    type: shell_script
//	    config: {script: extract.sh}
//	  - id: load
//	    type: shell_script
//	    config: {script: load.sh}
//	    startWhen: extract.status == "succeeded"
//	    startPayload:
//	      source: extract.outputs.path
//
// Every document is checked against the #Pipeline CUE definition embedded
// in this package before it is decoded, so unknown fields and malformed
// ids are reported with their position.
//
// Service validates the decoded pipeline against the registered task
// schemas, resolves taskDefinitionRef nodes through a
// TaskDefinitionResolver and saves the nodes. It also forwards external
// events and manual actions to the control plane.
package pipeline
