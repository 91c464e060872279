package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/atmx/options-engine/internal/model"
)

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names so errors match what the client sent.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	english := en.New()
	trans, _ = ut.New(english, english).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(err)
	}
}

// Decode reads a JSON body into dst and validates it against its
// `validate` struct tags.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return model.NewValidationError("", "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.NewValidationError("", "invalid request body")
	}
	return Validate(dst)
}

// Validate checks v's `validate` tags and converts the first failure into
// a *model.ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := fe.Translate(trans)
		return model.NewValidationError(fe.Field(), strings.TrimPrefix(msg, fe.Field()+" "))
	}
	return model.NewValidationError("", err.Error())
}
