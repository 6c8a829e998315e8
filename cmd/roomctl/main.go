// roomctl: CLI entry point.
//
// Joins a conversation room as a headless participant: it connects to the
// signaling server, forms a WebRTC mesh with everyone else in the room and
// relays chat and media toggles typed on stdin.
//
// Settings come from a YAML file and the environment (see internal/config);
// -room, -user and -name override them. A missing room id is prompted for.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"

	"github.com/1ureka/roomlink/internal/app"
	"github.com/1ureka/roomlink/internal/config"
	"github.com/1ureka/roomlink/internal/media"
	"github.com/1ureka/roomlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_ = godotenv.Load(".env")

	configPath := flag.String("config", "", "Path to the YAML config (default $CONFIG_PATH or config/local.yaml)")
	roomFlag := flag.String("room", "", "Room id to join")
	userFlag := flag.Int64("user", 0, "Own user id")
	nameFlag := flag.String("name", "", "Display name")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("roomctl v%s", version))
	pterm.Println()

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *roomFlag != "" {
		cfg.Room.ID = *roomFlag
	}
	if *userFlag != 0 {
		cfg.Room.UserID = *userFlag
	}
	if *nameFlag != "" {
		cfg.Room.DisplayName = *nameFlag
	}
	if cfg.Room.ID == "" {
		cfg.Room.ID = askText("Room id")
	}
	if cfg.Room.UserID <= 0 {
		cfg.Room.UserID = askUserID()
	}
	if cfg.Signaling.URL, err = normalizeWSURL(cfg.Signaling.URL); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	session, err := app.Open(ctx, cfg)
	if err != nil {
		util.LogError("failed to set up session: %v", err)
		os.Exit(1)
	}
	if err := session.Start(ctx); err != nil {
		util.LogError("failed to join room: %v", err)
		session.Leave(context.Background())
		os.Exit(1)
	}

	printHelp()
	runCommands(ctx, session)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Leave(leaveCtx); err != nil {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// runCommands reads stdin lines until /leave, EOF or Ctrl+C.
func runCommands(ctx context.Context, s *app.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(s, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handleLine executes one command. It returns false when the user leaves.
func handleLine(s *app.Session, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.SendChat(line); err != nil {
			util.LogWarning("chat not sent: %v", err)
		}
		return true
	}

	switch line {
	case "/mute":
		muted, err := s.ToggleMute()
		report(err, "microphone %s", onOff(!muted))
	case "/video":
		on, err := s.ToggleVideo()
		report(err, "camera %s", onOff(on))
	case "/hand":
		raised, err := s.ToggleHand()
		report(err, "hand %s", map[bool]string{true: "raised", false: "lowered"}[raised])
	case "/audio-only":
		snap, err := s.Snapshot()
		if err == nil {
			audioOnly := !snap.Controls.AudioOnly
			err = s.SetVideoMode(audioOnly)
			report(err, "audio-only %s", onOff(audioOnly))
		}
	case "/peers":
		printPeers(s)
	case "/chat":
		printChat(s)
	case "/leave":
		return false
	default:
		printHelp()
	}
	return true
}

func report(err error, format string, args ...any) {
	if err != nil {
		util.LogWarning("%v", err)
		return
	}
	util.LogInfo(format, args...)
}

func printHelp() {
	pterm.DefaultBox.WithTitle("commands").Println(strings.Join([]string{
		"<text>       send a chat message",
		"/mute        toggle microphone",
		"/video       toggle camera",
		"/hand        raise or lower hand",
		"/audio-only  switch between audio-only and video",
		"/peers       show participants and link status",
		"/chat        show the chat log",
		"/leave       leave the room (or Ctrl+C)",
	}, "\n"))
}

func printPeers(s *app.Session) {
	snap, err := s.Snapshot()
	if err != nil {
		util.LogWarning("%v", err)
		return
	}

	data := pterm.TableData{{"ID", "Name", "Role", "Mic", "Cam", "Hand", "Link", "Health", "Tracks"}}
	for _, p := range snap.Participants {
		if p.UserID == snap.Self {
			data = append(data, []string{
				strconv.FormatInt(p.UserID, 10), p.DisplayName + " (you)", string(p.Role),
				onOff(!p.IsMuted), onOff(p.VideoEnabled), yesNo(p.HandRaised), "-", "-", "-",
			})
		}
	}
	for _, p := range snap.Peers {
		link, health, tracks := linkColumns(p)
		data = append(data, []string{
			strconv.FormatInt(p.UserID, 10), p.DisplayName, string(p.Role),
			onOff(!p.IsMuted), onOff(p.VideoEnabled), yesNo(p.HandRaised), link, health, tracks,
		})
	}

	pterm.Info.Println(fmt.Sprintf("room %s, signaling %s", snap.Room, snap.Signaling))
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// linkColumns renders the link state of one peer. Track counts are shown
// only while media flows.
func linkColumns(p media.PeerStatus) (link, health, tracks string) {
	link, health, tracks = "-", "-", "-"
	switch {
	case p.GaveUp:
		link = "gave up"
	case p.HasLink:
		link, health = p.State.String(), p.Health.String()
	case p.Pending:
		link = "pending"
	}
	if p.Live() {
		tracks = strconv.Itoa(p.Tracks)
	}
	return link, health, tracks
}

func printChat(s *app.Session) {
	snap, err := s.Snapshot()
	if err != nil {
		util.LogWarning("%v", err)
		return
	}
	for _, m := range snap.Chat {
		pterm.Printfln("%s  %s: %s", m.SentAt.Local().Format("15:04:05"), m.SenderName, m.Content)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// normalizeWSURL validates the signaling base URL, defaulting to wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	return strings.TrimRight(fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path), "/"), nil
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("value cannot be empty")
		pterm.Println()
	}
}

// askUserID prompts for the own user id until a positive integer is entered.
func askUserID() int64 {
	for {
		id, err := strconv.ParseInt(askText("Your user id"), 10, 64)
		if err == nil && id > 0 {
			return id
		}
		util.LogWarning("invalid user id: must be a positive integer")
	}
}
