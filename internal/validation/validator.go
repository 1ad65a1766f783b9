package validation

import (
	"strconv"
	"strings"
	"unicode/utf8"

	validatorv10 "github.com/go-playground/validator/v10"
)

// MaxMessageRunes bounds a message after surrounding whitespace is trimmed.
const MaxMessageRunes = 500

type CreateBottleRequest struct {
	Message string `json:"message" validate:"required"`
}

type ProcessBottleRequest struct {
	QueueID string `json:"queueId" validate:"required,max=64"`
	Message string `json:"message" validate:"required"`
	UserID  string `json:"userId" validate:"required,max=128"`
}

// New returns a validator with the bottle request rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(createBottleStructValidation, CreateBottleRequest{})
	v.RegisterStructValidation(processBottleStructValidation, ProcessBottleRequest{})
	return v
}

func createBottleStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateBottleRequest)
	validateMessage(sl, req.Message)
}

func processBottleStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(ProcessBottleRequest)
	validateMessage(sl, req.Message)
}

// the length rule applies to the trimmed text, so padding never counts
func validateMessage(sl validatorv10.StructLevel, msg string) {
	trimmed := strings.TrimSpace(msg)
	switch {
	case trimmed == "":
		sl.ReportError(msg, "message", "Message", "notblank", "")
	case utf8.RuneCountInString(trimmed) > MaxMessageRunes:
		sl.ReportError(msg, "message", "Message", "max", strconv.Itoa(MaxMessageRunes))
	}
}
