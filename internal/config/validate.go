package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/craigderington/realmtunnel/pkg/types"
)

// Validator instance for server definitions
var validate *validator.Validate

var tunnelIndex = regexp.MustCompile(`tunnels\[(\d+)\]`)

func init() {
	validate = validator.New()

	// Report fields by their YAML names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterValidation("servertype", validateServerType)
}

// validateServerType validates server type values
func validateServerType(fl validator.FieldLevel) bool {
	switch types.ServerType(fl.Field().String()) {
	case types.ServerTypeAuth, types.ServerTypeWorld:
		return true
	}
	return false
}

// ValidateServer checks a server definition and returns human-readable
// problems in field order. An empty result means the server is valid.
func ValidateServer(srv types.ServerConfig) []string {
	err := validate.Struct(srv)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		messages = append(messages, formatValidationError(e))
	}
	return messages
}

// ServerError is returned for servers that fail validation
type ServerError struct {
	Server   string
	Problems []string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("invalid server %q: %s", e.Server, strings.Join(e.Problems, "; "))
}

// CheckServer is ValidateServer in error form
func CheckServer(srv types.ServerConfig) error {
	if problems := ValidateServer(srv); len(problems) > 0 {
		return &ServerError{Server: srv.Name, Problems: problems}
	}
	return nil
}

// formatValidationError creates a human-readable error message from a validation error
func formatValidationError(e validator.FieldError) string {
	if m := tunnelIndex.FindStringSubmatch(e.Namespace()); m != nil {
		field := e.Field()
		switch e.Tag() {
		case "required":
			return fmt.Sprintf("Tunnel %s: %s is required", m[1], field)
		case "min", "max":
			return fmt.Sprintf("Tunnel %s: %s must be between 1 and 65535", m[1], field)
		default:
			return fmt.Sprintf("Tunnel %s: %s failed validation: %s", m[1], field, e.Tag())
		}
	}

	switch e.Field() {
	case "name":
		return "Server name is required"
	case "host":
		if e.Tag() == "required" {
			return "Server host is required"
		}
		return "Server host must be a valid hostname or IP address"
	case "serverType":
		if e.Tag() == "required" {
			return "Server type is required (auth or world)"
		}
		return `Server type must be either "auth" or "world"`
	case "tunnels":
		return "At least one tunnel is required"
	}
	return fmt.Sprintf("%s failed validation: %s", e.Field(), e.Tag())
}
