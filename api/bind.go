/*
bind.go - Request body decoding and validation

PURPOSE:
  Every handler that accepts a body goes through ParseJSON. It enforces a
  size limit, rejects unknown fields and trailing data, then runs struct tag
  validation. Failures come back as *BindError so writeDomainError can answer 400
  with the offending field.

VALIDATION:
  go-playground/validator with English translations. Field names in messages
  are the json tag names, not the Go names.

SEE ALSO:
  - dto.go: Request types and their validate tags
  - handlers.go: writeError
*/
package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/goccy/go-json"

	"github.com/finlegal/accident-engine/logger"
)

// =============================================================================
// VALIDATOR
// =============================================================================

type validatorSvc struct {
	validate   *validator.Validate
	translator ut.Translator
}

var (
	validatorOnce sync.Once
	validatorInst *validatorSvc
)

func getValidator() *validatorSvc {
	validatorOnce.Do(func() {
		enLoc := en.New()
		trans, _ := ut.New(enLoc, enLoc).GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)
		registerShortDatetime(v, trans)

		validatorInst = &validatorSvc{validate: v, translator: trans}
	})
	return validatorInst
}

// The stock datetime message prints the Go layout, which reads badly to
// API clients.
func registerShortDatetime(v *validator.Validate, trans ut.Translator) {
	_ = v.RegisterTranslation("datetime", trans,
		func(ut ut.Translator) error {
			return ut.Add("datetime", "{0} must be a date in YYYY-MM-DD format", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T("datetime", fe.Field())
			return msg
		},
	)
}

// =============================================================================
// BIND ERRORS
// =============================================================================

const (
	codeInvalidJSON = "invalid_json"
	codeValidation  = "validation"
)

// BindError reports a body that could not be decoded or failed validation.
type BindError struct {
	Code    string
	Field   string
	Message string
}

func (e *BindError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// =============================================================================
// PARSE
// =============================================================================

// maxBodyBytes bounds request bodies. Series imports are the largest payloads.
const maxBodyBytes int64 = 1 << 20

// ParseJSON decodes the body into T and validates it. An empty body decodes
// to the zero value when allowEmpty is set.
func ParseJSON[T any](r *http.Request, allowEmpty bool) (T, error) {
	var zero T
	defer func() {
		if err := r.Body.Close(); err != nil {
			logger.Get().Debug().Err(err).Msg("failed to close request body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return zero, &BindError{Code: codeInvalidJSON, Message: "failed to read body"}
	}
	if int64(len(raw)) > maxBodyBytes {
		return zero, &BindError{Code: codeInvalidJSON, Message: "body too large"}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if allowEmpty {
			return zero, validateStruct(zero)
		}
		return zero, &BindError{Code: codeInvalidJSON, Message: "empty body"}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var dst T
	if err := dec.Decode(&dst); err != nil {
		return zero, &BindError{Code: codeInvalidJSON, Message: "invalid JSON: " + err.Error()}
	}
	if dec.More() {
		return zero, &BindError{Code: codeInvalidJSON, Message: "unexpected trailing data"}
	}
	if err := validateStruct(dst); err != nil {
		return zero, err
	}
	return dst, nil
}

func validateStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	svc := getValidator()
	err := svc.validate.Struct(v)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		logger.Get().Error().Err(err).Msg("validator internal error")
		return &BindError{Code: codeValidation, Message: "validation error"}
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &BindError{Code: codeValidation, Field: fe.Field(), Message: fe.Translate(svc.translator)}
	}
	return &BindError{Code: codeValidation, Message: err.Error()}
}
