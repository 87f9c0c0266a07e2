package fee

import (
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/ccscampus/campus/core"
)

var (
	methodTag  = "payment_method"
	methodText = "payment method must be one of cash, bank_transfer, online, check"

	referenceTag  = "reference_required"
	referenceText = "a reference number is required for this payment method"
)

// InitValidators registers the fee validators & their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(methodTag, methodValidation)
	core.RegisterCustomTranslation(validate, translator, methodTag, methodText)

	validate.RegisterStructValidation(paymentStructValidation, NewPayment{})
	core.RegisterCustomTranslation(validate, translator, referenceTag, referenceText)
}

func methodValidation(fl validator.FieldLevel) bool {
	if m, ok := fl.Field().Interface().(Method); ok {
		return m.IsUserMethod()
	}
	return false
}

// paymentStructValidation requires a reference for the online, bank_transfer and check methods.
func paymentStructValidation(sl validator.StructLevel) {
	p := sl.Current().Interface().(NewPayment)
	if p.Method.RequiresReference() && strings.TrimSpace(p.Reference) == "" {
		sl.ReportError(p.Reference, "reference", "Reference", referenceTag, "")
	}
}
