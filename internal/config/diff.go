package config

import (
	"reflect"

	logx "groupcast/pkg/logx"
)

// ChangedSections lists the top-level sections that differ between two
// configs, in declaration order. Used to log reloads without echoing secrets.
func ChangedSections(oldCfg, newCfg *Config) []string {
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
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			out = append(out, jsonName(t.Field(i)))
		}
	}
	return out
}

func jsonName(f reflect.StructField) string {
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

// ReloadFields summarizes a reload for the log.
func ReloadFields(oldCfg, newCfg *Config) []logx.Field {
	changed := ChangedSections(oldCfg, newCfg)
	fields := []logx.Field{logx.Strings("changed", changed)}
	if newCfg != nil {
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Int("identities", len(newCfg.Identities)),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}
	return fields
}
