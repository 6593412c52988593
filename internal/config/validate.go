package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			s := strings.TrimSpace(fl.Field().String())
			if s == "" {
				return true
			}
			_, err := parseDuration(s)
			return err == nil
		})
		validate = v
	})
	return validate
}

// Validate checks struct rules and cross-field constraints that tags cannot
// express. The error lists every violation.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Telegram.Console && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("invalid config: telegram.console requires telegram.token")
	}
	if cfg.Janitor.Enabled && strings.TrimSpace(cfg.Janitor.Schedule) == "" {
		return errors.New("invalid config: janitor.schedule is required when janitor is enabled")
	}
	return nil
}
