package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const documentMimeType = "application/pdf"

// WhatsmeowProvider creates WhatsApp clients whose device keys live in the
// whatsmeow tables of the application SQLite database
type WhatsmeowProvider struct {
	container *sqlstore.Container
	logger    arbor.ILogger
}

// NewWhatsmeowProvider prepares the device store on db, which must have
// foreign keys enabled
func NewWhatsmeowProvider(ctx context.Context, db *sql.DB, logger arbor.ILogger) (*WhatsmeowProvider, error) {
	container := sqlstore.NewWithDB(db, "sqlite", newWALogger(logger, "store"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade messaging device store: %w", err)
	}
	return &WhatsmeowProvider{container: container, logger: logger}, nil
}

func (p *WhatsmeowProvider) NewClient(ctx context.Context, tenantID string, credential []byte, handler EventHandler) (Client, error) {
	device, err := p.loadDevice(ctx, tenantID, credential)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, newWALogger(p.logger, "client/"+tenantID))
	client.EnableAutoReconnect = true

	wc := &whatsmeowClient{
		tenantID: tenantID,
		client:   client,
		handler:  handler,
		logger:   p.logger,
	}
	client.AddEventHandler(wc.onEvent)
	return wc, nil
}

// loadDevice returns the stored device for credential, or a fresh one to pair
func (p *WhatsmeowProvider) loadDevice(ctx context.Context, tenantID string, credential []byte) (*store.Device, error) {
	if len(credential) == 0 {
		return p.container.NewDevice(), nil
	}

	jid, err := types.ParseJID(string(credential))
	if err != nil {
		p.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Stored device id is invalid, pairing again")
		return p.container.NewDevice(), nil
	}

	device, err := p.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		p.logger.Warn().Str("tenant_id", tenantID).Str("device", jid.String()).Msg("Stored device not found, pairing again")
		return p.container.NewDevice(), nil
	}
	return device, nil
}

type whatsmeowClient struct {
	tenantID string
	client   *whatsmeow.Client
	handler  EventHandler
	logger   arbor.ILogger

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

// Connect starts pairing for a new device or logs a stored device back in.
// The pairing channel outlives ctx; it ends with the pairing or Disconnect.
func (c *whatsmeowClient) Connect(ctx context.Context) error {
	if c.client.Store.ID != nil {
		return c.client.Connect()
	}

	qrCtx, cancel := context.WithCancel(context.Background())
	qrChan, err := c.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open pairing channel: %w", err)
	}

	c.mu.Lock()
	c.cancelQR = cancel
	c.mu.Unlock()

	if err := c.client.Connect(); err != nil {
		cancel()
		return err
	}

	go c.watchPairing(qrChan)
	return nil
}

func (c *whatsmeowClient) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.handler(Event{Type: EventPairingCode, Code: item.Code})
		case "success":
			// Connected follows once the new device logs in
		case "timeout":
			c.handler(Event{Type: EventPairingFailed, Err: errors.New("pairing timed out")})
		case whatsmeow.QRChannelEventError:
			c.handler(Event{Type: EventPairingFailed, Err: item.Error})
		default:
			c.handler(Event{Type: EventPairingFailed, Err: fmt.Errorf("pairing ended: %s", item.Event)})
		}
	}
}

func (c *whatsmeowClient) onEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		var credential []byte
		if c.client.Store.ID != nil {
			credential = []byte(c.client.Store.ID.String())
		}
		c.handler(Event{Type: EventConnected, Credential: credential})
	case *events.PairSuccess:
		c.logger.Info().
			Str("tenant_id", c.tenantID).
			Str("device", e.ID.String()).
			Msg("Messaging device paired")
	case *events.PairError:
		c.handler(Event{Type: EventPairingFailed, Err: e.Error})
	case *events.LoggedOut:
		c.handler(Event{Type: EventLoggedOut})
	case *events.Disconnected, *events.StreamReplaced:
		c.handler(Event{Type: EventDisconnected})
	}
}

func (c *whatsmeowClient) IsRegistered(ctx context.Context, phone string) (bool, error) {
	responses, err := c.client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return false, err
	}
	for _, response := range responses {
		if response.IsIn {
			return true, nil
		}
	}
	return false, nil
}

func (c *whatsmeowClient) SendDocument(ctx context.Context, phone, caption, fileName string, data []byte) error {
	uploaded, err := c.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("failed to upload document: %w", err)
	}

	message := &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(documentMimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileName:      proto.String(fileName),
			Caption:       proto.String(caption),
		},
	}

	recipient := types.NewJID(phone, types.DefaultUserServer)
	if _, err := c.client.SendMessage(ctx, recipient, message); err != nil {
		return err
	}
	return nil
}

func (c *whatsmeowClient) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *whatsmeowClient) Disconnect() {
	c.mu.Lock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
	c.mu.Unlock()
	c.client.Disconnect()
}
