package event

import (
	"errors"
	"reflect"
	"strings"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names so errors match the wire format.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ProcessingStatus is the outcome reported back to the identity service.
type ProcessingStatus string

const (
	StatusSuccess             ProcessingStatus = "SUCCESS"
	StatusFailed              ProcessingStatus = "FAILED"
	StatusCompensationSuccess ProcessingStatus = "COMPENSATION_SUCCESS"
	StatusCompensationFailed  ProcessingStatus = "COMPENSATION_FAILED"
)

type RegistrationPayload struct {
	UserID               string         `json:"userId" validate:"required,max=64"`
	Email                string         `json:"email" validate:"required,email,max=255"`
	FirstName            string         `json:"firstName" validate:"max=100"`
	LastName             string         `json:"lastName" validate:"max=100"`
	PhoneNumber          string         `json:"phoneNumber,omitempty" validate:"max=32"`
	Status               string         `json:"status,omitempty"`
	CreatedAt            Time           `json:"createdAt"`
	AdditionalAttributes map[string]any `json:"additionalAttributes,omitempty"`
}

func (p *RegistrationPayload) Validate() error {
	return validatePayload(p)
}

type DeletionPayload struct {
	UserID    string `json:"userId" validate:"required,max=64"`
	Reason    string `json:"reason,omitempty"`
	DeletedAt Time   `json:"deletedAt"`
}

func (p *DeletionPayload) Validate() error {
	return validatePayload(p)
}

// StatusFeedbackPayload carries a saga outcome back to the triggering service.
type StatusFeedbackPayload struct {
	UserID          string           `json:"userId"`
	OriginalEventID string           `json:"originalEventId"`
	Status          ProcessingStatus `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	ProcessingTime  int64            `json:"processingTime"`
}

func validatePayload(p any) error {
	if err := validate.Struct(p); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("payload", err.Error())
	}
	return nil
}
