// Package config loads the avtune configuration.
//
// Settings are layered: built-in defaults, then <inventory>/avtune.yaml (or
// the file given with --config), then AVTUNE_* environment variables.
// Unknown YAML keys are rejected so typos surface early.
//
//	store:
//	  backend: sqlite
//	  path: state/avtune.db
//	ssh:
//	  user: av
//	  key: ~/.ssh/id_ed25519
//	git:
//	  author: stage-ops
//	  email: ops@venue.example
//	telemetry:
//	  logging:
//	    level: debug
//
// Config also derives the option structs for the engine, stores, SSH
// transport and git versioning so the CLI wires them from one place.
package config
