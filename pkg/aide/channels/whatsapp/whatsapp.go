// Package whatsapp adapts WhatsApp (via whatsmeow) to the channel
// contract. Device credentials live in an sqlite store under the data
// dir; first run prints a pairing QR to the terminal.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waproto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/aide/pkg/aide/channels"
)

// maxFileBytes caps SEND_FILE transfers.
const maxFileBytes = 16 * 1024 * 1024

// Config for the adapter.
type Config struct {
	// Owner restricts the bot to one correspondent JID. Messages from
	// anyone else are ignored.
	Owner string `yaml:"owner"`
	// DBPath is the whatsmeow device store, default dataDir/whatsapp.db.
	DBPath string `yaml:"db_path"`
}

// Adapter implements channels.Channel over whatsmeow.
type Adapter struct {
	cfg     Config
	manager *channels.Manager
	logger  *slog.Logger
	client  *whatsmeow.Client
}

// New creates the adapter. dataDir hosts the device store.
func New(cfg Config, dataDir string, manager *channels.Manager, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "whatsapp.db")
	}
	return &Adapter{
		cfg:     cfg,
		manager: manager,
		logger:  logger.With("component", "whatsapp"),
	}
}

// Name implements channels.Channel.
func (a *Adapter) Name() string { return "whatsapp" }

// Start connects, pairing with a QR code when no session exists.
func (a *Adapter) Start(ctx context.Context) error {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", a.cfg.DBPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("opening device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, _ := a.client.GetQRChannel(ctx)
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("connecting for pairing: %w", err)
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				fmt.Println("Scan this QR code with WhatsApp (Linked devices):")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			case "success":
				a.logger.Info("pairing complete")
			default:
				a.logger.Info("pairing event", "event", evt.Event)
			}
		}
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Send implements channels.Channel. Tags prefix system traffic so the
// owner can tell cron output from conversation.
func (a *Adapter) Send(peer, text, tag string) error {
	jid, err := a.resolveJID(peer)
	if err != nil {
		return err
	}
	if tag != "" {
		text = "[" + tag + "] " + text
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = a.client.SendMessage(ctx, jid, &waproto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", peer, err)
	}
	return nil
}

// SendFile uploads a workspace file as a document message.
func (a *Adapter) SendFile(peer, path string) error {
	jid, err := a.resolveJID(peer)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFileBytes {
		return fmt.Errorf("file %s too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	uploaded, err := a.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	_, err = a.client.SendMessage(ctx, jid, &waproto.Message{
		DocumentMessage: &waproto.DocumentMessage{
			Title:         proto.String(filepath.Base(path)),
			FileName:      proto.String(filepath.Base(path)),
			Mimetype:      proto.String("application/octet-stream"),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	})
	if err != nil {
		return fmt.Errorf("sending file to %s: %w", peer, err)
	}
	return nil
}

// Stop disconnects.
func (a *Adapter) Stop() {
	if a.client != nil {
		a.client.Disconnect()
	}
}

func (a *Adapter) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		a.handleMessage(e)
	case *events.Disconnected:
		a.logger.Warn("disconnected")
	case *events.LoggedOut:
		a.logger.Error("logged out, re-pairing required")
	}
}

func (a *Adapter) handleMessage(e *events.Message) {
	if e.Info.IsFromMe || e.Info.IsGroup {
		return
	}
	from := e.Info.Sender.ToNonAD().String()
	if a.cfg.Owner != "" && !sameUser(from, a.cfg.Owner) {
		a.logger.Debug("ignoring non-owner message", "from", from)
		return
	}

	body := extractText(e.Message)
	kind := channels.TypeText
	if body == "" {
		kind = channels.TypeOther
	}

	a.manager.Dispatch(a.Name(), channels.Inbound{
		From: from,
		Body: body,
		At:   e.Info.Timestamp,
		Type: kind,
	})
}

func (a *Adapter) resolveJID(peer string) (types.JID, error) {
	if peer == "" {
		peer = a.cfg.Owner
	}
	if peer == "" {
		return types.JID{}, fmt.Errorf("no peer and no owner configured")
	}
	if !strings.Contains(peer, "@") {
		peer = peer + "@" + types.DefaultUserServer
	}
	return types.ParseJID(peer)
}

func extractText(msg *waproto.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func sameUser(a, b string) bool {
	trim := func(s string) string {
		if i := strings.IndexByte(s, '@'); i >= 0 {
			return s[:i]
		}
		return s
	}
	return trim(a) == trim(b)
}
