package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ErrInvalidField struct {
	error
}

func NewErrInvalidField(format string, args ...any) *ErrInvalidField {
	return &ErrInvalidField{fmt.Errorf(format, args...)}
}

var messages = map[string]string{
	"required":     "is required",
	"crate_id":     "must start with a letter or a digit and contain only letters, digits, '.', '_' or '-'",
	"root_path":    "must be a relative path without '.' or '..' segments",
	"profile_name": "must be a lowercase profile name",
	"endpoint":     "must be host[:port], optionally prefixed with http:// or https://",
	"webhook":      "must be an absolute http or https url",
	"max":          "is too long",
	"min":          "is too short",
}

// Explain turns validation errors into a single readable message naming
// every failing field.
func Explain(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, found := messages[fe.Tag()]
		if !found {
			msg = fmt.Sprintf("failed on the %q rule", fe.Tag())
		}
		parts = append(parts, fmt.Sprintf("%s %s", fieldName(fe.Namespace()), msg))
	}
	return NewErrInvalidField("%s", strings.Join(parts, "; "))
}

// fieldName drops the root struct name from the namespace.
func fieldName(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
