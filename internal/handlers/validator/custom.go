package validator

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	crateIDRegex     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	profileNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)
	hostPortRegex    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]*[A-Za-z0-9])?(:[0-9]{1,5})?$`)
)

func crateIDValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return crateIDRegex.MatchString(val)
}

// rootPathValidator accepts a relative object key prefix. Empty means the
// bucket root.
func rootPathValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if val == "" {
		return true
	}
	if strings.HasPrefix(val, "/") || strings.Contains(val, "\\") {
		return false
	}
	for _, segment := range strings.Split(strings.TrimSuffix(val, "/"), "/") {
		if segment == "" || segment == "." || segment == ".." {
			return false
		}
	}
	return path.Clean(val) != ".."
}

func profileNameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if val == "" {
		return true
	}
	return profileNameRegex.MatchString(val)
}

// endpointValidator accepts host[:port], optionally prefixed by http:// or https://.
func endpointValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	val = strings.TrimPrefix(strings.TrimPrefix(val, "https://"), "http://")
	return hostPortRegex.MatchString(strings.TrimSuffix(val, "/"))
}

func webhookValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if val == "" {
		return true
	}
	u, err := url.Parse(val)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
