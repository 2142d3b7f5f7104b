package config

import (
	"reflect"
)

// Changed lists the top-level sections that differ between two configs, in
// file order. A nil config compares as the zero config.
func Changed(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	ov := reflect.ValueOf(*oldCfg)
	nv := reflect.ValueOf(*newCfg)
	t := ov.Type()

	var out []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		out = append(out, sectionName(t.Field(i)))
	}
	return out
}

// RequiresRestart lists the changed sections that only take effect after a
// restart. Logging is applied live.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}

func sectionName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
