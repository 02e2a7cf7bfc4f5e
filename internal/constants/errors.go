package constants

import "errors"

// Configuration errors.
var (
	ErrNoConfigFile         = errors.New("no configuration file found")
	ErrPrivateKeyUnreadable = errors.New("private key could not be read")
)
