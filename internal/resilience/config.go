package resilience

import (
	"time"

	"github.com/sells-group/lotwatch/internal/config"
)

// FromRetryConfig converts the retry settings in the application config.
func FromRetryConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMS > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMS) * time.Millisecond
	}
	return cfg
}
