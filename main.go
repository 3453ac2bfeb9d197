package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sumchat/config"
	appcrypto "sumchat/crypto"
	"sumchat/messenger"
	"sumchat/models"
	"sumchat/network"
	"sumchat/presence"
	"sumchat/storage"
)

func main() {
	username := flag.String("username", "", "chat username (overrides config)")
	sharedDir := flag.String("shared", "", "shared directory holding the userlist (overrides config)")
	flag.Parse()

	if err := run(*username, *sharedDir); err != nil {
		log.Fatalf("sumchat: %v", err)
	}
}

func run(usernameFlag, sharedDirFlag string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return err
	}
	if usernameFlag != "" {
		cfg.Username = usernameFlag
	}
	if sharedDirFlag != "" {
		cfg.SharedDir = sharedDirFlag
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	dataDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfg.SharedDir, 0o755); err != nil {
		return fmt.Errorf("create shared directory: %w", err)
	}

	privateKey, err := appcrypto.EnsureRSAKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		return err
	}
	publicPEM := appcrypto.EncodePublicKeyPEM(&privateKey.PublicKey)
	fingerprint := appcrypto.KeyFingerprint(&privateKey.PublicKey)
	log.Printf("key fingerprint: %s", appcrypto.FormatFingerprint(fingerprint))
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("conversation log: %s", dbPath)

	client := network.NewClient(network.DefaultSendTimeout)
	transfers := network.NewTransferEngine(cfg.Username, client, cfg.DownloadDir)

	msgr, err := messenger.New(messenger.Options{
		Username:      cfg.Username,
		RoomAll:       cfg.RoomAll,
		PrivateKey:    privateKey,
		Store:         store,
		Client:        client,
		Transfers:     transfers,
		Notifications: cfg.EnableNotification,
	})
	if err != nil {
		return err
	}

	server, err := network.Listen(network.ServerOptions{
		PrivateKey:         privateKey,
		Handler:            msgr,
		Files:              transfers,
		Port:               cfg.ChatPort,
		FallbackToFreePort: cfg.PortMode == config.PortModeAutomatic,
	})
	if err != nil {
		return err
	}
	log.Printf("listening on port %d", server.Port())

	lock := presence.NewFileLock(cfg.LockFilePath(), time.Duration(cfg.LockStaleMs)*time.Millisecond)
	directory := presence.NewDirectory(cfg.UserFilePath(), lock, time.Duration(cfg.UserTimeoutMs)*time.Millisecond)
	infos := presence.NewInfoStore(cfg.UserInfoPath)

	refresher, err := presence.NewRefresher(presence.Config{
		Username:        cfg.Username,
		Directory:       directory,
		Infos:           infos,
		UserTimeout:     time.Duration(cfg.UserTimeoutMs) * time.Millisecond,
		RefreshInterval: time.Duration(cfg.RefreshIntervalMs) * time.Millisecond,
		LockRetryMin:    time.Duration(cfg.LockRetryMinMs) * time.Millisecond,
		LockRetryMax:    time.Duration(cfg.LockRetryMaxMs) * time.Millisecond,
		Rooms:           msgr.Rooms().Advertised,
	})
	if err != nil {
		return err
	}

	if err := refresher.UpdateSelfInfo(models.ExtendedUserInfo{
		IP:   localIP(),
		Port: server.Port(),
		Key:  publicPEM,
	}); err != nil {
		return err
	}

	// Wiring order matters: the messenger must consume presence events
	// before the first refresh cycle fills the channel.
	msgr.AttachPresence(refresher)
	msgr.Start()
	refresher.Start()

	go logEvents(msgr)
	go logServerErrors(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go commandLoop(ctx, msgr, store)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.Println("shutting down")

	cancel()
	refresher.Stop()
	if err := server.Close(); err != nil {
		log.Printf("close server: %v", err)
	}
	transfers.Close()
	msgr.Close()
	return nil
}

func logEvents(msgr *messenger.Messenger) {
	for event := range msgr.Events() {
		switch event.Type {
		case messenger.EventMessageReceived:
			log.Printf("[%s] %s: %s", event.Conversation, event.Message.Sender, messageSummary(event.Message))
		case messenger.EventUserOnline:
			log.Printf("%s is online", event.Peer.Username)
		case messenger.EventUserOffline:
			log.Printf("%s went offline", event.Peer.Username)
		case messenger.EventUserRemoved:
			log.Printf("%s left", event.Peer.Username)
		case messenger.EventTransferProgress:
			log.Printf("downloading %s: %d%%", event.Progress.FileID, event.Progress.Percent)
		case messenger.EventTransferFinished:
			log.Printf("transfer %s: %s", event.Progress.FileID, event.Transfer)
		case messenger.EventError:
			log.Printf("error: %v", event.Err)
		}
	}
}

func logServerErrors(server *network.Server) {
	for err := range server.Errors() {
		log.Printf("server: %v", err)
	}
}

func messageSummary(message models.Message) string {
	switch message.Kind {
	case models.KindFileInvite:
		return fmt.Sprintf("offers file %s (%d bytes, id %s)", message.Path, message.Size, message.FileID)
	case models.KindCodeBlock:
		return "code:\n" + message.Text
	default:
		return message.Text
	}
}

// commandLoop reads line commands from stdin. It is intentionally small:
// the program is a node first, the console is for poking at it.
func commandLoop(ctx context.Context, msgr *messenger.Messenger, store *storage.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		command, args := fields[0], fields[1:]

		var err error
		switch command {
		case "peers":
			for _, peer := range msgr.Peers() {
				log.Printf("%s (%s) %s:%d", peer.Username, peer.Status, peer.IP, peer.Port)
			}
		case "rooms":
			for _, room := range msgr.Rooms().List() {
				if room.Invited != "" {
					log.Printf("%s (invited by %s)", room.Name, room.Invited)
					continue
				}
				log.Printf("%s", room.Name)
			}
		case "send":
			if len(args) < 2 {
				err = fmt.Errorf("usage: send <receiver> <text>")
				break
			}
			_, err = msgr.SendText(ctx, args[0], strings.Join(args[1:], " "))
		case "code":
			if len(args) < 2 {
				err = fmt.Errorf("usage: code <receiver> <text>")
				break
			}
			_, err = msgr.SendCodeBlock(ctx, args[0], strings.Join(args[1:], " "))
		case "offer":
			if len(args) != 2 {
				err = fmt.Errorf("usage: offer <receiver> <path>")
				break
			}
			_, err = msgr.SendFileInvite(ctx, args[0], args[1])
		case "fetch":
			if len(args) != 1 {
				err = fmt.Errorf("usage: fetch <file-id>")
				break
			}
			var invite models.Message
			invite, _, err = store.GetFileInvite(args[0])
			if err == nil {
				err = msgr.Download(ctx, invite)
			}
		case "cancel":
			if len(args) != 1 {
				err = fmt.Errorf("usage: cancel <file-id>")
				break
			}
			err = msgr.CancelFileInvite(ctx, args[0])
			msgr.CancelDownload(args[0])
		case "room":
			if len(args) != 1 {
				err = fmt.Errorf("usage: room <name>")
				break
			}
			err = msgr.AddRoom(args[0])
		case "invite":
			if len(args) < 2 {
				err = fmt.Errorf("usage: invite <room> <user> [user...]")
				break
			}
			err = msgr.InviteUsers(ctx, args[0], args[1:])
		case "accept":
			if len(args) != 1 {
				err = fmt.Errorf("usage: accept <room>")
				break
			}
			err = msgr.AcceptInvitation(ctx, args[0])
		case "decline":
			if len(args) != 1 {
				err = fmt.Errorf("usage: decline <room>")
				break
			}
			err = msgr.DeclineInvitation(ctx, args[0])
		case "leave":
			if len(args) != 1 {
				err = fmt.Errorf("usage: leave <room>")
				break
			}
			err = msgr.LeaveRoom(args[0])
		case "history":
			if len(args) != 1 {
				err = fmt.Errorf("usage: history <conversation>")
				break
			}
			var history []models.Message
			history, err = msgr.History(args[0])
			for _, message := range history {
				log.Printf("%s %s: %s", time.UnixMilli(message.Datetime).Format("15:04:05"), message.Sender, messageSummary(message))
			}
		case "clear":
			if len(args) != 1 {
				err = fmt.Errorf("usage: clear <conversation>")
				break
			}
			err = msgr.ClearConversation(args[0])
		case "avatar":
			if len(args) != 1 {
				err = fmt.Errorf("usage: avatar <name>")
				break
			}
			err = msgr.SetAvatar(args[0])
		case "notify":
			if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
				err = fmt.Errorf("usage: notify on|off")
				break
			}
			msgr.SetNotifications(args[0] == "on")
		default:
			err = fmt.Errorf("unknown command %q", command)
		}

		if err != nil {
			log.Printf("%v", err)
		}
	}
}

// localIP guesses the address peers can reach us on. The UDP dial never
// sends a packet; it only makes the kernel pick a source address.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
