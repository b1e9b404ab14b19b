package auth

import (
	"strconv"

	"github.com/go-playground/validator/v10"
)

// MaxPasswordBytes is bcrypt's input limit. validator's max counts runes,
// so the byte limit needs its own rule.
const MaxPasswordBytes = 72

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("maxbytes", maxBytes)
	return v
}

// maxBytes checks the UTF-8 length of a string field against the tag parameter.
func maxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

// Credentials is the body of both register and login requests.
type Credentials struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,maxbytes=72"`
}

func ValidateCredentials(c Credentials) error {
	return validate.Struct(c)
}
