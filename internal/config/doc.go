// Package config defines configuration structures for the modelcache CLI.
//
// Configuration can be provided via, in increasing precedence:
//   - Built-in defaults
//   - YAML configuration file
//   - Environment variables (MODELCACHE_ prefix)
//   - Command-line flags
//
// # File Format
//
//	data_dir: /var/lib/modelcache
//	catalog: /etc/modelcache/catalog.yaml
//	flag_store: s3://modelcache-state?region=us-east-1
//	inactivity_timeout: 30m
//	progress_interval: 250ms
//	min_free_space: 1GB
//	subscriber_buffer: 64
//	log:
//	  level: debug
//	  format: json
//	retry:
//	  attempts: 5
//	  backoff: 2s
//	  max_backoff: 1m
package config
