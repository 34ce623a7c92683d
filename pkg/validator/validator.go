package validator

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Validate - singleton экземпляр валидатора
var Validate *validator.Validate

func init() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("taskname", validateTaskName)
}

// validateTaskName пропускает любой текст, кроме управляющих символов
func validateTaskName(fl validator.FieldLevel) bool {
	return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
}
