package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// DecodeConfig fills out from raw. Defaults come from `default` tags, raw
// values are matched on `mapstructure` tags and the result is checked
// against `validate` tags.
//
//	type Config struct {
//	    Interval time.Duration `mapstructure:"interval" default:"5s" validate:"gte=100ms"`
//	    Path     string        `mapstructure:"path" validate:"required"`
//	}
func DecodeConfig(raw map[string]any, out any) error {
	if out == nil {
		return errors.New("config target cannot be nil")
	}

	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}

	if len(raw) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           out,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		})
		if err != nil {
			return fmt.Errorf("build config decoder: %w", err)
		}
		if err := decoder.Decode(raw); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}

	if err := validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}
