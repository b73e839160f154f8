// Package config loads the JSON configuration of the fund router daemon and
// fills in defaults for every section the operator leaves empty.
package config
