package orchestrator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/integrator/internal/common"
)

// newValidator reports fields by their JSON names where they have one
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts validator output into a ValidationError naming
// the first offending field
func validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fe := fieldErrors[0]
		message := fmt.Sprintf("failed %q constraint", fe.Tag())
		if fe.Param() != "" {
			message = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
		}
		return &common.ValidationError{Field: fe.Field(), Message: message}
	}
	return &common.ValidationError{Message: err.Error()}
}
