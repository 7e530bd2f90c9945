/*
Package config loads cmd/hurry's and cmd/courier's configuration from a
YAML file overlaid with HURRY_-prefixed environment variables, following
the precedence defaults -> file -> env that the rest of this module's
configuration has always used.

	cfg, err := config.LoadClientConfig("/etc/hurry/client.yaml")
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
*/
package config
