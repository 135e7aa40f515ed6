package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewSubmitValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("crate_id", crateIDValidator),
		},
		{
			Rule: registerFn("root_path", rootPathValidator),
		},
		{
			Rule: registerFn("profile_name", profileNameValidator),
		},
		{
			Rule: registerFn("endpoint", endpointValidator),
		},
		{
			Rule: registerFn("webhook", webhookValidator),
		},
	}
}

func NewMetadataValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("profile_name", profileNameValidator),
		},
	}
}
