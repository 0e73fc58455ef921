package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "sip.port")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// minSecretLen is the HS256 key size in bytes.
const minSecretLen = 32

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.NodeID == "" {
		errs = append(errs, ValidationError{Field: "node_id", Value: c.NodeID, Message: "must not be empty"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of %v", ValidLogLevels()),
		})
	}
	if c.API.AuthSecret != "" && len(c.API.AuthSecret) < minSecretLen {
		errs = append(errs, ValidationError{
			Field:   "api.auth_secret",
			Value:   fmt.Sprintf("<%d bytes>", len(c.API.AuthSecret)),
			Message: fmt.Sprintf("must be at least %d bytes", minSecretLen),
		})
	}

	if c.SIP.Enabled {
		if c.SIP.Port < 1 || c.SIP.Port > 65535 {
			errs = append(errs, ValidationError{Field: "sip.port", Value: c.SIP.Port, Message: "must be between 1 and 65535"})
		}
		if c.SIP.PendingTTL <= 0 {
			errs = append(errs, ValidationError{Field: "sip.pending_ttl", Value: c.SIP.PendingTTL, Message: "must be positive"})
		}
	}

	if c.Peer.Addr != "" && c.Peer.Name == "" {
		errs = append(errs, ValidationError{Field: "peer.name", Value: c.Peer.Name, Message: "required when peer.addr is set"})
	}
	if c.Peer.MaxInFlight < 1 {
		errs = append(errs, ValidationError{Field: "peer.max_inflight", Value: c.Peer.MaxInFlight, Message: "must be at least 1"})
	}
	if c.Peer.Static != "" && len(ParsePeers(c.Peer.Static)) == 0 {
		errs = append(errs, ValidationError{Field: "peer.static", Value: c.Peer.Static, Message: "expected name=host:port pairs"})
	}

	if c.Events.NATSURL != "" && c.Events.Stream == "" {
		errs = append(errs, ValidationError{Field: "events.stream", Value: c.Events.Stream, Message: "required when events.nats_url is set"})
	}

	return errs
}
