package config

import "github.com/go-viper/mapstructure/v2"

// decimalDecodeHook keeps viper's default hooks and lets decimal fields be
// written as plain strings or numbers in the yaml file.
func decimalDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
