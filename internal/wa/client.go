package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"wa-dispatch/internal/dispatch"
	"wa-dispatch/internal/media"
	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/repo"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to open WhatsApp sessions.
type Config struct {
	StoreDir string
	LogLevel string
	Metrics  *metrics.Metrics
}

// Connector opens one WhatsMeow client per source, each with its own device
// store so every source keeps its own pairing.
type Connector struct {
	cfg    Config
	logger *slog.Logger
}

var _ dispatch.Connector = (*Connector)(nil)

// NewConnector returns a Connector storing device databases under
// cfg.StoreDir.
func NewConnector(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("store dir is required")
	}
	if err := ensureDir(cfg.StoreDir); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	return &Connector{cfg: cfg, logger: logger.With("component", "wa")}, nil
}

// StorePath is the device database of a source.
func StorePath(dir, sourceID string) string {
	return filepath.Join(dir, sourceID+".db")
}

// Open creates a client for source backed by its SQLite device store.
func (c *Connector) Open(ctx context.Context, source repo.Source) (dispatch.Conn, error) {
	if !media.ValidName(source.ID) {
		return nil, fmt.Errorf("invalid source id %q", source.ID)
	}
	path := StorePath(c.cfg.StoreDir, source.ID)

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", c.cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", path), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", c.cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:    client,
		container: container,
		logger:    c.logger.With("source_id", source.ID),
		metrics:   c.cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Client wraps the WhatsMeow client of one source.
type Client struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *slog.Logger
	metrics   *metrics.Metrics
	authLost  atomic.Bool
}

// Login connects the client. Without a stored device it streams QR pairing
// codes until the phone scans one.
func (c *Client) Login(ctx context.Context) (<-chan dispatch.LoginEvent, error) {
	out := make(chan dispatch.LoginEvent, 1)
	if c.client.Store.ID != nil {
		if err := c.client.Connect(); err != nil {
			return nil, fmt.Errorf("connect wa client: %w", err)
		}
		c.logger.Info("whatsapp client connected", "jid", c.client.Store.ID.String())
		out <- dispatch.LoginEvent{Kind: dispatch.LoginSuccess}
		close(out)
		return out, nil
	}

	c.logger.Info("pairing required, waiting for QR scan")
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get qr channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return nil, fmt.Errorf("connect wa client: %w", err)
	}

	go func() {
		defer close(out)
		emit := func(evt dispatch.LoginEvent) bool {
			select {
			case out <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				if !emit(dispatch.LoginEvent{Kind: dispatch.LoginCode, Code: evt.Code}) {
					return
				}
			case "success":
				c.logger.Info("whatsapp pairing succeeded")
				emit(dispatch.LoginEvent{Kind: dispatch.LoginSuccess})
				return
			case "timeout":
				emit(dispatch.LoginEvent{Kind: dispatch.LoginError, Err: errors.New("qr code expired")})
				return
			case "error":
				emit(dispatch.LoginEvent{Kind: dispatch.LoginError, Err: evt.Error})
				return
			default:
				c.logger.Info("pairing event received", "event", evt.Event)
				emit(dispatch.LoginEvent{Kind: dispatch.LoginError, Err: fmt.Errorf("pairing event %s", evt.Event)})
				return
			}
		}
	}()
	return out, nil
}

// Send delivers msg as text, image or document.
func (c *Client) Send(ctx context.Context, msg dispatch.Outbound) error {
	if c.authLost.Load() {
		return fmt.Errorf("%w: session logged out", dispatch.ErrTransportAuthLost)
	}
	to, err := JID(msg.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrTransportTransient, err)
	}

	kind := "text"
	var message *waProto.Message
	if msg.Attachment == nil {
		message = &waProto.Message{Conversation: proto.String(msg.Body)}
	} else if msg.Attachment.IsImage() {
		kind = "image"
		message, err = c.imageMessage(ctx, msg.Attachment, msg.Body)
	} else {
		kind = "document"
		message, err = c.documentMessage(ctx, msg.Attachment, msg.Body)
	}
	if err != nil {
		return c.classify(err)
	}

	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return c.classify(fmt.Errorf("send %s: %w", kind, err))
	}
	return nil
}

// Logout unlinks the device and removes it from the store.
func (c *Client) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout wa client: %w", err)
	}
	c.logger.Info("whatsapp client logged out")
	return nil
}

// Close disconnects the WhatsApp client and closes the device store.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		if err := c.container.Close(); err != nil {
			c.logger.Warn("close device store", "error", err)
		}
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.authLost.Store(true)
		c.logger.Warn("device logged out", "reason", v.Reason.String())
	case *events.StreamReplaced:
		c.authLost.Store(true)
		c.logger.Warn("stream replaced by another connection")
	}
}

func (c *Client) imageMessage(ctx context.Context, att *media.Attachment, caption string) (*waProto.Message, error) {
	uploadResp, err := c.client.Upload(ctx, att.Data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	imageMsg := &waProto.ImageMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(att.MimeType),
	}
	if caption != "" {
		imageMsg.Caption = proto.String(caption)
	}
	return &waProto.Message{ImageMessage: imageMsg}, nil
}

func (c *Client) documentMessage(ctx context.Context, att *media.Attachment, caption string) (*waProto.Message, error) {
	uploadResp, err := c.client.Upload(ctx, att.Data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	docMsg := &waProto.DocumentMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(att.MimeType),
		FileName:      proto.String(att.Filename),
		Title:         proto.String(att.Filename),
	}
	if caption != "" {
		docMsg.Caption = proto.String(caption)
	}
	return &waProto.Message{DocumentMessage: docMsg}, nil
}

func (c *Client) classify(err error) error {
	if c.metrics != nil {
		c.metrics.Errors.WithLabelValues("wa").Inc()
	}
	return classify(err, c.authLost.Load())
}

// classify maps WhatsMeow failures onto the two transport error classes.
func classify(err error, authLost bool) error {
	if authLost || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return fmt.Errorf("%w: %v", dispatch.ErrTransportAuthLost, err)
	}
	return fmt.Errorf("%w: %v", dispatch.ErrTransportTransient, err)
}

// JID converts a digits-only international address to a user JID.
func JID(address string) (types.JID, error) {
	address = strings.TrimPrefix(strings.TrimSpace(address), "+")
	if len(address) < 7 || len(address) > 15 {
		return types.JID{}, fmt.Errorf("invalid address %q", address)
	}
	for _, r := range address {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid address %q", address)
		}
	}
	return types.NewJID(address, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
