package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// DecodeAttributes decodes a stage's attributes into out, a pointer to a
// struct with mapstructure tags. Fields absent from the attributes keep
// their current values, so callers pre-populate out with defaults. Unknown
// keys are an error.
func DecodeAttributes(spec StageSpec, out interface{}) error {
	if len(spec.Attributes) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Label(), err)
	}
	if err := dec.Decode(spec.Attributes); err != nil {
		return fmt.Errorf("%s: invalid attributes: %w", spec.Label(), err)
	}
	return nil
}
