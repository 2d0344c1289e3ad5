package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration using struct tags plus the rules
// that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Volume.Enabled {
		if cfg.Volume.SliceSize == 0 || cfg.Volume.SliceSize%uint64(cfg.Device.BlockSize) != 0 {
			return fmt.Errorf("volume.slice_size: must be a positive multiple of device.block_size (%d)",
				cfg.Device.BlockSize)
		}
		if cfg.Volume.PSliceCount == 0 {
			return fmt.Errorf("volume.pslice_count: device too small for a single slice")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics.listen_address: required when metrics are enabled")
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
