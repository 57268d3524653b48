package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// WhatsAppGateway dials whatsmeow-backed sessions, one device store per
// account under baseDir. It implements interfaces.GatewayDialer.
type WhatsAppGateway struct {
	baseDir string
	log     *logrus.Entry

	mu      sync.RWMutex
	handler func(accountID string, evt interfaces.GatewayEvent)
}

func NewWhatsAppGateway(baseDir string, logger *logrus.Logger) *WhatsAppGateway {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		logger.WithError(err).Warn("could not create device store directory")
	}
	return &WhatsAppGateway{
		baseDir: baseDir,
		log:     logger.WithField("module", "whatsapp_gateway"),
	}
}

func (g *WhatsAppGateway) SetEventHandler(fn func(accountID string, evt interfaces.GatewayEvent)) {
	g.mu.Lock()
	g.handler = fn
	g.mu.Unlock()
}

func (g *WhatsAppGateway) emit(accountID string, evt interfaces.GatewayEvent) {
	g.mu.RLock()
	fn := g.handler
	g.mu.RUnlock()
	if fn != nil {
		fn(accountID, evt)
	}
}

// Dial opens the account's device store and connects. For unpaired accounts
// the returned session exposes the QR payload as its pairing artifact.
func (g *WhatsAppGateway) Dial(ctx context.Context, accountID string) (interfaces.GatewaySession, error) {
	dbPath := filepath.Join(g.baseDir, fmt.Sprintf("account_%s.db", accountID))
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "WARN", true))
	sess := &whatsAppSession{client: client}
	client.AddEventHandler(func(evt interface{}) {
		g.route(accountID, evt)
	})

	if client.Store.ID == nil {
		// New login: capture pairing codes as the gateway rotates them.
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return nil, err
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					sess.setQR(evt.Code)
				}
			}
			sess.setQR("")
		}()
	} else {
		if err := client.Connect(); err != nil {
			return nil, err
		}
		g.log.WithField("account_id", accountID).Info("session resumed from stored credentials")
	}

	return sess, nil
}

// route translates whatsmeow events into the gateway-neutral feed.
func (g *WhatsAppGateway) route(accountID string, evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Info.IsGroup {
			return
		}
		if v.Info.IsFromMe {
			g.emit(accountID, interfaces.GatewayEvent{
				Type:       interfaces.EventMessageSent,
				GatewayIDs: []string{string(v.Info.ID)},
				Timestamp:  v.Info.Timestamp,
			})
			return
		}
		g.emit(accountID, interfaces.GatewayEvent{
			Type:      interfaces.EventMessageReceived,
			From:      v.Info.Sender.User,
			Content:   extractText(v),
			Timestamp: v.Info.Timestamp,
		})
	case *events.Receipt:
		ids := make([]string, 0, len(v.MessageIDs))
		for _, id := range v.MessageIDs {
			ids = append(ids, string(id))
		}
		kind := interfaces.EventDelivered
		if v.Type == types.ReceiptTypeRead {
			kind = interfaces.EventRead
		}
		g.emit(accountID, interfaces.GatewayEvent{Type: kind, GatewayIDs: ids, Timestamp: v.Timestamp})
	case *events.Connected:
		g.emit(accountID, interfaces.GatewayEvent{Type: interfaces.EventConnected})
	case *events.Disconnected:
		g.emit(accountID, interfaces.GatewayEvent{Type: interfaces.EventDisconnected})
	case *events.LoggedOut:
		g.emit(accountID, interfaces.GatewayEvent{Type: interfaces.EventLoggedOut})
	}
}

func extractText(evt *events.Message) string {
	if evt.Message == nil {
		return ""
	}
	if evt.Message.Conversation != nil {
		return *evt.Message.Conversation
	}
	if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		return *evt.Message.ExtendedTextMessage.Text
	}
	return ""
}

// whatsAppSession wraps one whatsmeow client as a GatewaySession.
type whatsAppSession struct {
	client *whatsmeow.Client

	qrLock sync.RWMutex
	qrCode string
}

func (s *whatsAppSession) setQR(code string) {
	s.qrLock.Lock()
	s.qrCode = code
	s.qrLock.Unlock()
}

func (s *whatsAppSession) PairingCode() string {
	s.qrLock.RLock()
	defer s.qrLock.RUnlock()
	return s.qrCode
}

func (s *whatsAppSession) IsConnected() bool {
	return s.client.IsConnected() && s.client.Store.ID != nil
}

func (s *whatsAppSession) Send(ctx context.Context, to, content string, msgType entities.MessageType) (string, error) {
	jid, err := types.ParseJID(to + "@s.whatsapp.net")
	if err != nil {
		return "", fmt.Errorf("invalid number format: %w", err)
	}
	resp, err := s.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: &content,
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *whatsAppSession) SendTyping(ctx context.Context, to string) error {
	jid, err := types.ParseJID(to + "@s.whatsapp.net")
	if err != nil {
		return err
	}
	if err := s.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
		return err
	}
	return s.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (s *whatsAppSession) ListChats(ctx context.Context) ([]entities.ChatInfo, error) {
	contacts, err := s.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, err
	}
	chats := make([]entities.ChatInfo, 0, len(contacts))
	for jid, info := range contacts {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		chats = append(chats, entities.ChatInfo{Phone: jid.User, Name: name})
	}
	return chats, nil
}

func (s *whatsAppSession) ProfilePicture(ctx context.Context, phone string) (string, error) {
	jid, err := types.ParseJID(phone + "@s.whatsapp.net")
	if err != nil {
		return "", err
	}
	info, err := s.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (s *whatsAppSession) Disconnect() {
	s.client.Disconnect()
}

func (s *whatsAppSession) Logout(ctx context.Context) error {
	s.setQR("")
	return s.client.Logout(ctx)
}
