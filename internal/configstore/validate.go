package configstore

import (
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"devicehub/internal/adapter"
)

// Warning thresholds. Values beyond these are accepted but flagged.
const (
	warnPoolSize      = 50
	maxConnectionPool = 100
	minHealthInterval = 5 * time.Second
)

// Validator checks configuration documents against the schema
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a validator with the adapter id and version rules registered
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("adapterid", func(fl validator.FieldLevel) bool {
		return adapter.ValidID(fl.Field().String())
	})
	_ = v.RegisterValidation("adapterversion", func(fl validator.FieldLevel) bool {
		return adapter.ValidVersion(fl.Field().String())
	})
	return &Validator{v: v}
}

// Validate returns hard errors for structural problems and warnings for
// risky but accepted values
func (val *Validator) Validate(cfg adapter.Configuration) adapter.ValidationResult {
	res := adapter.NewValidationResult()

	if err := val.v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			res.AddError("%v", err)
			return res
		}
		for _, fe := range verrs {
			res.AddError("%s", describe(fe))
		}
	}

	if n := cfg.ConnectionPoolSize; n != nil && *n > warnPoolSize && *n <= maxConnectionPool {
		res.AddWarning("connectionPoolSize %d is above %d", *n, warnPoolSize)
	}
	if cfg.HealthCheckInterval > 0 && cfg.HealthInterval() < minHealthInterval {
		res.AddWarning("healthCheckInterval %dms is below %s", cfg.HealthCheckInterval, minHealthInterval)
	}

	return res
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "adapterid":
		return field + " must match [a-z0-9-_]+"
	case "adapterversion":
		return field + " must be a semantic version (MAJOR.MINOR.PATCH)"
	case "min":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param()
	case "gte":
		return field + " must not be negative"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return field + " failed " + fe.Tag() + " validation"
	}
}
