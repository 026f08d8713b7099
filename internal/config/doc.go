// Package config loads Conductor's settings.
//
// Settings live in ~/.conductor/config.yaml, which LoadFromPath writes from
// Default() the first time it is missing. Viper merges three layers, lowest
// first: built-in defaults, the file, and CONDUCTOR_* environment variables
// (dots in a key become underscores):
//
//	CONDUCTOR_STORE_BACKEND=nats
//	CONDUCTOR_LOGGING_LEVEL=debug
//	CONDUCTOR_LLM_PROVIDERS_OPENAI_API_KEY=sk-...
//
// The CLI calls Validate after loading for every command except config and
// version. Constructors copy the sections they need,
// so a component never observes a config change after it is built.
//
// Viper lowercases map keys. Use WorkflowFor and CandidatesFor for lookups by
// command type or tier rather than indexing the maps directly.
package config
