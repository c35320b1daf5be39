// Package config loads chatcore settings from an optional YAML file and
// CHATCORE_* environment variables using viper.
//
// Keys are dotted in YAML and underscored in the environment, so
// store.redis_addr may be overridden with CHATCORE_STORE_REDIS_ADDR.
package config
