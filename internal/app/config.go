package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	DescriptorPath string // .hcl package descriptor file or directory
	ChunkListFile  string // optional manifest of pakchunkN_*.txt listings

	OutputDirectory string

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.DescriptorPath == "" && cfg.ChunkListFile == "" {
		return nil, errors.New("either a descriptor path or a chunk list file is required")
	}
	if cfg.OutputDirectory == "" {
		return nil, errors.New("OutputDirectory is a required configuration field and cannot be empty")
	}

	// Future validations for other fields can be added here.

	return &cfg, nil
}
