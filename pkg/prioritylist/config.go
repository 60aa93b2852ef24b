package prioritylist

import (
	"fmt"
	"strconv"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Config is read once when the list is constructed.
type Config struct {
	// PostURL is where the order is submitted.
	PostURL string
	// PostDelay is the debounce window. Zero still defers the send to the timer goroutine.
	PostDelay time.Duration
	// RequestTimeout bounds a single submission. Defaults to 30s.
	RequestTimeout time.Duration
}

func (c Config) Validate() error {
	if c.PostURL == "" {
		return fmt.Errorf("post url is required")
	}
	if c.PostDelay < 0 {
		return fmt.Errorf("post delay must not be negative")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// ConfigFromAttributes reads the page attribute form of the config: "post-url" and
// "post-delay" in milliseconds.
func ConfigFromAttributes(attrs map[string]string) (Config, error) {
	cfg := Config{PostURL: attrs["post-url"]}
	if raw, ok := attrs["post-delay"]; ok && raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse post-delay: %w", err)
		}
		cfg.PostDelay = time.Duration(ms) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
