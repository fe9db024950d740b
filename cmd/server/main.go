package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/rmpnet/internal/demo"
	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/blukai/rmpnet/internal/steamauth"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	Transport      string        `envconfig:"TRANSPORT" default:"udp"`
	Port           int           `envconfig:"PORT" default:"7777"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"32"`
	TickInterval   time.Duration `envconfig:"TICK_INTERVAL" default:"16ms"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
}

type SteamConfig struct {
	steamauth.Config
	Secret    string        `envconfig:"SECRET" required:"true"`
	OracleLag time.Duration `envconfig:"ORACLE_LAG" default:"50ms"`
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

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
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

// game spawns a cube for every user that joins and spins them around.
type game struct {
	logger *log.Logger
	svc    *rmp.Service
	cubes  map[uint64]*rmp.View

	// admitted users only
	audience demo.Audience

	lastMove time.Time
}

const moveInterval = 100 * time.Millisecond

func (g *game) onUserJoin(user *steamauth.User) {
	peer := user.Peer.(*rmp.Peer)

	// late joiners get the cubes that are already around. everyone else
	// saw them when they were spawned.
	for _, view := range g.cubes {
		if err := view.Replicate(peer); err != nil {
			g.logger.Error().Msgf("could not replicate cube to %s: %v", user.Username, err)
		}
	}

	x := float32(len(g.cubes)) * 2
	view, err := demo.SpawnCube(g.svc, packet.Vector3{X: x}, g.audience)
	if err != nil {
		g.logger.Error().Msgf("could not spawn cube for %s: %v", user.Username, err)
	}
	if view != nil {
		g.cubes[user.UserID] = view
	}
}

func (g *game) onUserExit(user *steamauth.User) {
	view, ok := g.cubes[user.UserID]
	if !ok {
		return
	}
	delete(g.cubes, user.UserID)
	if err := demo.DestroyCube(view, g.audience); err != nil {
		g.logger.Error().Msgf("could not destroy cube of %s: %v", user.Username, err)
	}
}

func (g *game) tick(now time.Time) {
	if now.Sub(g.lastMove) < moveInterval {
		return
	}
	g.lastMove = now

	angle := float64(now.UnixMilli()%4000) / 4000 * 2 * math.Pi
	rotation := packet.Quaternion{
		Y: float32(math.Sin(angle / 2)),
		W: float32(math.Cos(angle / 2)),
	}
	for _, view := range g.cubes {
		c, ok := demo.CubeOf(view)
		if !ok {
			continue
		}
		transform := packet.Transform{Position: c.Transform.Position, Rotation: rotation}
		if err := demo.MoveCube(view, transform, g.audience); err != nil {
			g.logger.Warn().Msgf("could not move cube: %v", err)
		}
	}
}

func erringMain() error {
	config, steamConfig, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	tr, err := newTransport(config.Transport, logger)
	if err != nil {
		return err
	}

	methods := rmp.NewMethodTable()
	steamauth.RegisterMethods(methods)
	demo.RegisterMethods(methods)

	svc := rmp.NewService(tr, methods, demo.Templates(), logger)

	oracle := steamauth.NewHMACOracle([]byte(steamConfig.Secret), steamConfig.OracleLag)
	auth, err := steamauth.NewService(svc, steamConfig.Config, oracle, nil, steamauth.Identity{}, logger)
	if err != nil {
		return fmt.Errorf("could not construct steamauth service: %w", err)
	}
	oracle.OnAuthChange = auth.Queue().OnAuthChange

	chat, err := demo.NewChat(svc)
	if err != nil {
		return fmt.Errorf("could not construct chat: %w", err)
	}
	chat.Name = func(sender *rmp.Peer) string {
		if sender == nil {
			return steamConfig.Name
		}
		if user, ok := auth.Queue().User(sender); ok {
			return user.Username
		}
		return sender.String()
	}
	chat.OnMessage = func(msg demo.Message) {
		logger.Info().Str("from", msg.From).Msg(msg.Text)
	}

	// peers that are still authorizing or were rejected take no part
	admitted := func() []*rmp.Peer {
		users := auth.Queue().Users()
		peers := make([]*rmp.Peer, 0, len(users))
		for _, user := range users {
			peers = append(peers, user.Peer.(*rmp.Peer))
		}
		return peers
	}
	chat.Audience = admitted
	chat.Allow = func(sender *rmp.Peer) bool {
		_, ok := auth.Queue().User(sender)
		return ok
	}

	g := &game{logger: logger, svc: svc, cubes: make(map[uint64]*rmp.View), audience: admitted}
	auth.Queue().OnUserJoin.Add(g.onUserJoin)
	auth.Queue().OnUserExit.Add(g.onUserExit)
	svc.OnTick.Add(g.tick)

	if err := svc.StartServer(config.Port, config.MaxConnections); err != nil {
		return fmt.Errorf("could not start server: %w", err)
	}
	logger.Info().Msgf("%q (version %s) listening on %s port %d",
		steamConfig.Name, steamConfig.Version, config.Transport, config.Port)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = svc.Run(ctx, config.TickInterval)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if runErr != nil {
		return fmt.Errorf("server run failed: %w", runErr)
	}

	return tr.Shutdown()
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
