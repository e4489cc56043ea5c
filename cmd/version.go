package main

import "fmt"

// GetVersion returns the bare version string.
func GetVersion() string {
	return version
}

// GetFullVersionInfo returns version plus build metadata.
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s", version, commit, date)
}

// GetVersionWithPrefix returns the version for the default output.
func GetVersionWithPrefix() string {
	return fmt.Sprintf("roost version: %s", version)
}
