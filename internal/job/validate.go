package job

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	JobID    string
	Problems []string
}

func (e *ValidationError) Error() string {
	id := e.JobID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("invalid job %s: %s", id, strings.Join(e.Problems, "; "))
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and the trigger.
// Cross-job checks (duplicates, cycles, handler resolution) belong to the scheduler.
func Validate(d Definition) error {
	var problems []string

	if err := structValidator().Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, describeField(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	if err := d.Trigger.Validate(); err != nil {
		problems = append(problems, "trigger: "+err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{JobID: d.ID, Problems: problems}
}

func describeField(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
