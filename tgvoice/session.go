package tgvoice

import (
	"context"
	"time"
)

// ClientConfig holds the tdlib session parameters.
type ClientConfig struct {
	APIID              int32
	APIHash            string
	DatabaseFolder     string
	SystemLanguageCode string
	DeviceModel        string
	SystemVersion      string
	ApplicationVersion string
	UseTestDC          bool
	Proxy              Proxy
}

// Proxy is an optional SOCKS5 proxy for the tdlib connection.
type Proxy struct {
	Address  string
	Port     int32
	Username string
	Password string
}

// Session is a logged-in Telegram session.
type Session interface {
	API
	// Refresh reloads the contact list into dir.
	Refresh(dir *Directory) error
	// Run feeds session updates to b until ctx is done.
	Run(ctx context.Context, b *Backend, refresh time.Duration) error
	Close() error
}
