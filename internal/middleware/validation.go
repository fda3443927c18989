package middleware

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterValidators configures gin's binding validator: error messages use
// JSON field names, and the msgid tag rejects message ids that still carry
// the provider's angle-bracket delimiters.
func RegisterValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("msgid", validMessageID); err != nil {
		panic(err)
	}
}

func validMessageID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" {
		return true
	}
	return !strings.HasPrefix(id, "<") && !strings.HasSuffix(id, ">")
}
