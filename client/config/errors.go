package config

import "fmt"

type configFetchError string

func (e configFetchError) Error() string {
	return "failed to fetch config: " + string(e)
}

type configSaveError string

func (e configSaveError) Error() string {
	return "failed to save config: " + string(e)
}

// ParseError means the config or writeback file exists but is not a valid config.
// Nothing from it has been applied.
type ParseError struct {
	Path     string
	InnerErr error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse config %s: %s", e.Path, e.InnerErr)
}

func (e *ParseError) Unwrap() error { return e.InnerErr }
