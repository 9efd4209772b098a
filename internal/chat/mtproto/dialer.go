// Package mtproto implements chat.Client over a Telegram user account using
// the MTProto protocol.
package mtproto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/session"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

const handlePrefix = "mtproto:"

// Config identifies the application to Telegram.
type Config struct {
	AppID   int
	AppHash string
	Logger  logger.Logger
}

// Dialer creates MTProto clients. Credential handles carry the serialized
// session, so Open needs no storage of its own.
type Dialer struct {
	config Config
}

var _ chat.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.AppID <= 0 || cfg.AppHash == "" {
		return nil, errors.New("mtproto: app id and app hash are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Dialer{config: cfg}, nil
}

// New implements chat.Dialer.
func (d *Dialer) New(ctx context.Context, owner int64, phone string) (chat.Client, error) {
	c := newClient(d.config.withLogger(logger.OwnerField(owner), logger.PhoneField(phone)), &session.StorageMemory{})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Open implements chat.Dialer. The restored client is subscribed to
// updates before it is returned.
func (d *Dialer) Open(ctx context.Context, handle string) (chat.Client, error) {
	data, err := decodeHandle(handle)
	if err != nil {
		return nil, err
	}
	storage := &session.StorageMemory{}
	if err := storage.StoreSession(ctx, data); err != nil {
		return nil, err
	}

	c := newClient(d.config, storage)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.startUpdates(ctx); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	return c, nil
}

func (c Config) withLogger(fields ...logger.LogField) Config {
	c.Logger = c.Logger.WithFields(fields...)
	return c
}

func encodeHandle(data []byte) string {
	return handlePrefix + base64.RawURLEncoding.EncodeToString(data)
}

func decodeHandle(handle string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("open: %w", chat.ErrUnknownCredentials)
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("open: %w: %w", chat.ErrUnknownCredentials, err)
	}
	return data, nil
}
