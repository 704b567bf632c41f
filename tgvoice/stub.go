//go:build !tdlib

package tgvoice

import "github.com/sirupsen/logrus"

// Open always fails without the tdlib build tag.
func Open(cfg ClientConfig, log logrus.FieldLogger) (Session, error) {
	return nil, ErrUnavailable
}

func ConfigureLogging(path string, verbosity int32) error { return nil }

func CloseLogging() {}
