package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// LoadRecipe reads a recipe from a JSON or YAML file, applies defaults,
// and validates it.
func LoadRecipe(path string) (*Recipe, error) {
	v := viper.New()
	v.SetConfigFile(path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		v.SetConfigType("json")
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		return nil, fmt.Errorf("unsupported recipe format %q", filepath.Ext(path))
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}

	r := DefaultRecipe()
	if err := v.Unmarshal(&r, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", path, err)
	}

	// Stage arrives as free-form text in older recipes
	if stage, err := ParseStage(string(r.Stage)); err == nil {
		r.Stage = stage
	}

	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe %s: %w", path, err)
	}
	return &r, nil
}
