package config

// ExecutionConfig configures submissions.
type ExecutionConfig struct {
	// Default timeout for a submission; "0s" waits for the kernel indefinitely
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Prefix of kernel-originated notification tokens
	DeferredTokenPrefix string `yaml:"deferred_token_prefix" json:"deferred_token_prefix,omitempty"`

	// How many settled tokens are remembered so their late events are dropped
	CompletedTokenHistory int `yaml:"completed_token_history" json:"completed_token_history,omitempty"`

	// Delay before a host diagnostics request is forwarded
	DiagnosticsDebounce string `yaml:"diagnostics_debounce" json:"diagnostics_debounce,omitempty"`
}
