package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags plus the cross-field rules the tags cannot
// express. Errors carry the offending environment variable name.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.JWTVerify && c.JWTSecret == "" {
		return errors.New("JWT_VERIFY is set but JWT_SECRET is empty")
	}
	return nil
}

// fieldEnv maps struct field names back to their environment variables for
// error messages.
var fieldEnv = map[string]string{
	"DBURL":               "DB_URL",
	"PolicyPath":          "GOV_POLICY_PATH",
	"JWTAlg":              "JWT_ALG",
	"APIHost":             "API_HOST",
	"APIPort":             "API_PORT",
	"IdempotencyTTLHours": "IDEMPOTENCY_TTL_HOURS",
	"CleanupInterval":     "IDEMPOTENCY_CLEANUP_INTERVAL",
	"Connector":           "ACTION_CONNECTOR",
	"ConnectorTimeout":    "CONNECTOR_TIMEOUT",
	"LogLevel":            "LOG_LEVEL",
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fieldEnv[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", name, fe.Param()))
		case "gte", "lte", "gt":
			msgs = append(msgs, fmt.Sprintf("%s is out of range (%s %s)", name, fe.Tag(), fe.Param()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", name))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", name, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
