// Package app contains the core build-tool logic. It defines the main App
// struct, its configuration, and the offline pipeline lifecycle, decoupled
// from any specific entrypoint like a CLI.
package app
