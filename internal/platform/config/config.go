// Package config loads the engine's process-level knobs from the
// environment, in the same plain env-var style temporalx.LoadConfig uses:
// no viper, no yaml, just defaulted lookups.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every process-level knob the core consults.
type Config struct {
	// WorkerPoolSize bounds concurrent step executions per process.
	WorkerPoolSize int

	// FinalizerMaxInlineIterations caps the Finalizer's same-tick re-entry
	// loop so a misbehaving DAG cannot spin forever.
	FinalizerMaxInlineIterations int

	DefaultRetryLimit int
	DefaultRetryable  bool

	BackoffCapSeconds int

	ReenqueueMinDelaySeconds int
	ReenqueueMaxDelaySeconds int

	// IdentityFields is the ordered list of task fields that feed the
	// identity hash (submission.IdentityHasher).
	IdentityFields []string
}

func Load() Config {
	return Config{
		WorkerPoolSize:               intOr("WORKER_POOL_SIZE", 5),
		FinalizerMaxInlineIterations: intOr("FINALIZER_MAX_INLINE_ITERATIONS", 25),
		DefaultRetryLimit:            intOr("DEFAULT_RETRY_LIMIT", 3),
		DefaultRetryable:             boolOr("DEFAULT_RETRYABLE", true),
		BackoffCapSeconds:            intOr("BACKOFF_CAP_SECONDS", 30),
		ReenqueueMinDelaySeconds:     intOr("REENQUEUE_MIN_DELAY_SECONDS", 1),
		ReenqueueMaxDelaySeconds:     intOr("REENQUEUE_MAX_DELAY_SECONDS", 30),
		IdentityFields:               stringListOr("IDENTITY_FIELDS", []string{"name", "context", "initiator", "source_system", "reason", "tags"}),
	}
}

func intOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func stringListOr(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
