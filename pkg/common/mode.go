package common

import (
	"fmt"
	"strings"
)

type Environment string

const (
	MainNet      Environment = "prod"
	UnsafeDevNet Environment = "dev" // local devnet; keys may be deterministic and many security controls are disabled
	TestNet      Environment = "test"
	GoTest       Environment = "unit-test"
)

// ParseEnvironment parses a string into the corresponding Environment value, allowing various reasonable variations.
func ParseEnvironment(str string) (Environment, error) {
	str = strings.ToLower(str)
	if str == "prod" || str == "mainnet" {
		return MainNet, nil
	}
	if str == "test" || str == "testnet" {
		return TestNet, nil
	}
	if str == "dev" || str == "devnet" || str == "unsafedevnet" {
		return UnsafeDevNet, nil
	}
	if str == "unit-test" || str == "gotest" {
		return GoTest, nil
	}
	return UnsafeDevNet, fmt.Errorf("invalid environment string: %s", str)
}
