// Package config defines the mxgate configuration schema and its TOML
// loader. Loading never fails on a missing file: callers receive the
// defaults plus a flag saying whether a file was found, so commands
// that only read daemon state work before the user has written any
// configuration. Values are normalized (paths expanded, environment
// fallbacks applied) before validation runs.
package config
