// Package config provides configuration types, loading, validation and
// file watching for the throttle service.
//
// Configuration is YAML. Values may reference the environment with
// ${VAR} or ${VAR:-default}; "$$" produces a literal dollar sign. A loaded
// file is decoded on top of DefaultConfig, so a file only needs the keys it
// changes:
//
//	store:
//	  type: redis
//	  redis:
//	    addrs: ["${REDIS_ADDR:-localhost:6379}"]
//	audit:
//	  sampleRate: 0.5
//
// Watcher re-reads the file after writes settle and only hands validated
// configurations to its callback. FileWatcher is the underlying debounced
// fsnotify loop and can watch any single file.
package config
