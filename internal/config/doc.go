// Package config defines the directory layout settings used by the packager
// and provides helpers to load, validate and save them in YAML format.
//
// Every field has a default matching the standard dataset layout, so the
// packager runs correctly with no settings file present.
package config
