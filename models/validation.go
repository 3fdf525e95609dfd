package models

import (
	"fmt"
	"sort"

	"github.com/mmdatafocus/costledger_backend/utils"
)

// ValidationFromStruct turns validator errors into a ValidationError.
func ValidationFromStruct(err error) error {
	fields := utils.ProcessValidationErrors(err)
	if len(fields) == 0 {
		return NewValidationError(err.Error())
	}
	problems := make([]string, 0, len(fields))
	for field, tag := range fields {
		problems = append(problems, fmt.Sprintf("%s failed %s", field, tag))
	}
	sort.Strings(problems)
	return NewValidationError(problems...)
}
