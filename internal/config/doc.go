// Package config defines configuration structures for the hubpull CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (HUBPULL_ prefix)
//   - YAML configuration file
//
// Flags win over the environment, which wins over the file.
//
// # Example file
//
//	endpoint: https://huggingface.co
//	download_dir: /data/models
//	patterns: ["*.safetensors", "*.json", "tokenizer*"]
//	state_url: file:///var/lib/hubpull?create_dir=true
//	buffer_size: 4MiB
//	log_level: debug
//	retry:
//	  attempts: 8
//	  backoff: 2s
//	  max_backoff: 2m
//	http:
//	  timeout: 1m
package config
