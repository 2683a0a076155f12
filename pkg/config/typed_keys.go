package config

import (
	"strconv"
	"time"

	"github.com/apex/log"
)

// typedKeys implements the typed accessors of Configer on top of a plain string lookup.
type typedKeys struct {
	lookup func(key string) string
}

func (k typedKeys) MustGetKey(key string) string {
	val := k.lookup(key)
	if val == "" {
		log.Fatalf("No such required config key: '%s'", key)
	}

	return val
}

func (k typedKeys) GetKeyWithDefault(key, defaultValue string) string {
	if val := k.lookup(key); val != "" {
		return val
	}

	return defaultValue
}

func (k typedKeys) GetIntKey(key string) int {
	return k.GetIntKeyWithDefault(key, 0)
}

func (k typedKeys) MustGetIntKey(key string) int {
	intVal, err := strconv.Atoi(k.lookup(key))
	if err != nil {
		log.Fatalf("Required config key either doesn't exist or isn't an int: '%s': %s", key, err)
	}

	return intVal
}

func (k typedKeys) GetIntKeyWithDefault(key string, defaultValue int) int {
	intVal, err := strconv.Atoi(k.lookup(key))
	if err != nil {
		return defaultValue
	}

	return intVal
}

func (k typedKeys) GetBoolKeyWithDefault(key string, defaultValue bool) bool {
	boolVal, err := strconv.ParseBool(k.lookup(key))
	if err != nil {
		return defaultValue
	}

	return boolVal
}

// GetDurationKeyWithDefault accepts anything time.ParseDuration does. A bare integer is
// taken as a number of seconds.
func (k typedKeys) GetDurationKeyWithDefault(key string, defaultValue time.Duration) time.Duration {
	val := k.lookup(key)
	if val == "" {
		return defaultValue
	}

	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		log.Warnf("Config key '%s' has invalid duration '%s', using %s", key, val, defaultValue)
		return defaultValue
	}

	return d
}
