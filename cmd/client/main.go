package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	runtimedebug "runtime/debug"
	"syscall"
	"time"

	"github.com/blukai/rmpnet/internal/debug"
	"github.com/blukai/rmpnet/internal/demo"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/blukai/rmpnet/internal/steamauth"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	Transport    string        `envconfig:"TRANSPORT" default:"udp"`
	RemoteHost   string        `envconfig:"REMOTE_HOST" default:"127.0.0.1"`
	RemotePort   int           `envconfig:"REMOTE_PORT" default:"7777"`
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"16ms"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	CrashDir     string        `envconfig:"CRASH_DIR" default:"crashes"`
}

type SteamConfig struct {
	UserID   uint64 `envconfig:"USER_ID" required:"true"`
	Username string `envconfig:"USERNAME" required:"true"`
	Version  string `envconfig:"VERSION" default:"1.0"`
	Secret   string `envconfig:"SECRET" required:"true"`
}

func loadConfig() (*Config, *SteamConfig, error) {
	config := new(Config)
	if err := envconfig.Process("RMP", config); err != nil {
		return nil, nil, err
	}
	steamConfig := new(SteamConfig)
	if err := envconfig.Process("STEAM", steamConfig); err != nil {
		return nil, nil, err
	}
	return config, steamConfig, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(level)
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func newTransport(kind string, logger *log.Logger) (transport.Transport, error) {
	switch kind {
	case "udp":
		return transport.NewUDP(logger), nil
	case "websocket":
		return transport.NewWebSocket(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want udp or websocket)", kind)
	}
}

// maybeDumpStack writes the stack of a panic into dir and re-panics. it is
// not absolutely panic-free itself.
func maybeDumpStack(dir string) {
	r := recover()
	if r == nil {
		return
	}

	err := os.MkdirAll(dir, 0o755)
	debug.Assert(err == nil)

	filename := filepath.Join(
		dir,
		"rmpclient-"+time.Now().UTC().Format("20060102T150405Z")+".txt",
	)
	stackTrace := fmt.Appendf(nil, "%v\n\n%s", r, runtimedebug.Stack())

	err = os.WriteFile(filename, stackTrace, 0o644)
	debug.Assert(err == nil)

	panic(r)
}

func readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

var errRejected = errors.New("rejected by server")

func erringMain() error {
	config, steamConfig, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	defer maybeDumpStack(config.CrashDir)

	logger := configureLogger(config.LogLevel)

	tr, err := newTransport(config.Transport, logger)
	if err != nil {
		return err
	}

	methods := rmp.NewMethodTable()
	steamauth.RegisterMethods(methods)
	demo.RegisterMethods(methods)

	svc := rmp.NewService(tr, methods, demo.Templates(), logger)

	identity := steamauth.Identity{UserID: steamConfig.UserID, Username: steamConfig.Username}
	issuer := steamauth.NewHMACIssuer([]byte(steamConfig.Secret), steamConfig.UserID)
	authConfig := steamauth.DefaultConfig()
	authConfig.Version = steamConfig.Version
	auth, err := steamauth.NewService(svc, authConfig, nil, issuer, identity, logger)
	if err != nil {
		return fmt.Errorf("could not construct steamauth service: %w", err)
	}

	var rejectReason string
	auth.OnJoinServer = func() {
		fmt.Println("* joined, type to chat")
	}
	auth.OnExitServer = func() {
		fmt.Println("* left the server")
	}
	auth.OnRejected = func(reason string) {
		rejectReason = reason
	}

	chat, err := demo.NewChat(svc)
	if err != nil {
		return fmt.Errorf("could not construct chat: %w", err)
	}
	chat.OnMessage = func(msg demo.Message) {
		fmt.Printf("<%s> %s\n", msg.From, msg.Text)
	}

	if err := svc.StartClient(config.RemoteHost, config.RemotePort); err != nil {
		return fmt.Errorf("could not start client: %w", err)
	}
	logger.Info().Msgf("connecting to %s:%d over %s", config.RemoteHost, config.RemotePort, config.Transport)

	lines := make(chan string)
	go readLines(lines)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(config.TickInterval)
	defer ticker.Stop()

	// the service is only touched from this goroutine.
loop:
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if line == "" {
				continue
			}
			if !auth.Joined() {
				fmt.Println("* not joined yet")
				continue
			}
			if err := chat.Say(line); err != nil {
				logger.Error().Msgf("could not send message: %v", err)
			}
		case now := <-ticker.C:
			svc.Tick(now)
			if !svc.IsOnline() {
				break loop
			}
		}
	}

	closeErr := svc.Close()
	if err := tr.Shutdown(); err != nil {
		closeErr = multierror.Append(closeErr, err)
	}
	if rejectReason != "" {
		return fmt.Errorf("%w: %s", errRejected, rejectReason)
	}
	return closeErr
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
