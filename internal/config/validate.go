// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a defaulted config. The returned error is KindValidation,
// wraps ValidationErrors and carries the first offending field as the
// "field" attribute.
func (c *Config) Validate() error {
	var errs ValidationErrors

	switch c.Mode {
	case ModeNamespace, ModeGlobal:
	default:
		errs.add("mode", "must be %q or %q, got %q", ModeNamespace, ModeGlobal, c.Mode)
	}

	if c.Classifier != nil {
		checkPort(&errs, "classifier.geneve_port", c.Classifier.GenevePort)
		checkPort(&errs, "classifier.stt_port", c.Classifier.STTPort)
	}

	if h := c.Hooks; h != nil {
		if len(h.Points) == 0 {
			errs.add("hooks.points", "at least one hook point is required")
		}
		seen := make(map[fastpath.HookPoint]bool, len(h.Points))
		for _, s := range h.Points {
			p, err := fastpath.ParseHookPoint(s)
			if err != nil {
				errs.add("hooks.points", "%v", err)
				continue
			}
			if p == fastpath.HookForward {
				errs.add("hooks.points", "%q is not a fast-path hook point", s)
				continue
			}
			if seen[p] {
				errs.add("hooks.points", "duplicate hook point %q", s)
			}
			seen[p] = true
		}
		if h.Priority != nil && !inInt32(*h.Priority) {
			errs.add("hooks.priority", "%d is outside the 32-bit priority range", *h.Priority)
		}
		if _, err := hooks.ParseFamily(h.Family); err != nil {
			errs.add("hooks.family", "%v", err)
		}
	}

	if ci := c.ContainerInterface; ci != nil {
		if ci.AliasIndex != nil && *ci.AliasIndex < 0 {
			errs.add("container_interface.alias_index", "must not be negative")
		}
		if len(ci.AliasChar) != 1 {
			errs.add("container_interface.alias_char", "must be exactly one byte, got %q", ci.AliasChar)
		}
	}

	if q := c.Queue; q != nil {
		if q.Number != nil && (*q.Number < 0 || *q.Number > 65535) {
			errs.add("queue.number", "must be between 0 and 65535")
		}
		if q.MaxLen != nil && *q.MaxLen <= 0 {
			errs.add("queue.max_len", "must be positive")
		}
	}

	if l := c.Logging; l != nil {
		switch strings.ToLower(l.Level) {
		case "", "debug", "info", "warn", "warning", "error":
		default:
			errs.add("logging.level", "unknown level %q", l.Level)
		}
		if s := l.Syslog; s != nil && s.Enabled {
			if s.Host == "" {
				errs.add("logging.syslog.host", "required when syslog is enabled")
			}
			if s.Protocol != "udp" && s.Protocol != "tcp" {
				errs.add("logging.syslog.protocol", "must be udp or tcp, got %q", s.Protocol)
			}
		}
	}

	if a := c.API; a != nil && (a.Enabled == nil || *a.Enabled) {
		if _, _, err := net.SplitHostPort(a.Listen); err != nil {
			errs.add("api.listen", "%v", err)
		}
		if a.ShutdownTimeout != "" {
			if _, err := time.ParseDuration(a.ShutdownTimeout); err != nil {
				errs.add("api.shutdown_timeout", "%v", err)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	return errors.Attr(err, "field", errs[0].Field)
}

func checkPort(errs *ValidationErrors, field string, v *int) {
	if v == nil {
		return
	}
	if *v <= 0 || *v > 65535 {
		errs.add(field, "must be between 1 and 65535, got %d", *v)
	}
}
