package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/watermon/pkg/config"
)

// configureLogger creates a logger from the log section, after flags were applied.
// Returns an error if the level or format is invalid.
func configureLogger(cfg config.Config) (*logrus.Logger, error) {
	if err := cfg.ValidateLog(); err != nil {
		return nil, err
	}
	return cfg.NewLogger(), nil
}
