package usecases

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/mo"

	"tgsession/internal/entities"
)

var (
	validate       *validator.Validate
	botTokenRegexp = regexp.MustCompile(`^\d{5,16}:[A-Za-z0-9_-]{30,64}$`)
	channelRegexp  = regexp.MustCompile(`^[A-Za-z0-9@_.:-]{1,128}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("bot_token", func(fl validator.FieldLevel) bool {
		return botTokenRegexp.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("channel_id", func(fl validator.FieldLevel) bool {
		return channelRegexp.MatchString(fl.Field().String())
	})
}

type SetupInput struct {
	TenantID string `validate:"required,max=64"`
	APIID    int    `validate:"required,gt=0"`
	APIHash  string `validate:"required,len=32,hexadecimal"`
	Phone    string `validate:"required,e164"`
}

type VerifyInput struct {
	TenantID      string            `validate:"required,max=64"`
	Code          string            `validate:"required,numeric,min=4,max=8"`
	PhoneCodeHash string            `validate:"required,max=256"`
	Password      mo.Option[string] `validate:"-"`
}

type BotTokenInput struct {
	TenantID string `validate:"required,max=64"`
	Token    string `validate:"required,bot_token"`
}

type channelInput struct {
	TenantID  string `validate:"required,max=64"`
	ChannelID string `validate:"required,channel_id"`
}

type rateLimitInput struct {
	TenantID      string  `validate:"required,max=64"`
	RPS           float64 `validate:"gt=0,lte=1000"`
	MaxConcurrent int     `validate:"gt=0,lte=1000"`
}

// validateInput runs struct validation and folds the field errors into one
// ErrValidation.
func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%v: %w", err, entities.ErrValidation)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "e164":
			msgs = append(msgs, fe.Field()+" must be an international phone number like +15551234567")
		case "bot_token":
			msgs = append(msgs, fe.Field()+" is not a bot token")
		case "numeric":
			msgs = append(msgs, fe.Field()+" must contain only digits")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), entities.ErrValidation)
}

func validateTenant(tenantID string) error {
	if tenantID == "" || len(tenantID) > 64 {
		return fmt.Errorf("tenant id is required: %w", entities.ErrValidation)
	}
	return nil
}
