package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/charsync/internal/api"
	"github.com/annel0/charsync/internal/auth"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/directory"
	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/journal"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/metrics"
	"github.com/annel0/charsync/internal/network"
	"github.com/annel0/charsync/internal/node"
	"github.com/annel0/charsync/internal/observability"
	"github.com/annel0/charsync/internal/protocol"
	nsync "github.com/annel0/charsync/internal/sync"
	"github.com/annel0/charsync/internal/vec"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHARSYNC_CONFIG"), "путь к YAML конфигурации")
	transportFlag := flag.String("transport", "", "kcp или websocket (переопределяет конфигурацию)")
	npcs := flag.Int("npcs", 0, "количество бродящих NPC при старте")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if *transportFlag != "" {
		cfg.Server.Transport = *transportFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Некорректная конфигурация: %v", err)
	}

	if err := configureLogging(cfg.Log); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *npcs); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func configureLogging(c config.LogConfig) error {
	console, err := logging.ParseLevel(c.ConsoleLevel)
	if err != nil {
		return err
	}
	file, err := logging.ParseLevel(c.FileLevel)
	if err != nil {
		return err
	}
	logging.Configure(logging.Options{Dir: c.Dir, ConsoleLevel: console, FileLevel: file})
	return logging.InitDefaultLogger("server")
}

func run(ctx context.Context, cfg *config.Config, npcs int) error {
	logging.Info("🎮 Запуск charsync (%s, %.0f Гц)", cfg.Server.Transport, cfg.Server.TickRate)

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("телеметрия: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	// === Аутентификация ===
	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	accounts, err := auth.NewAccountStore(cfg.Auth.Accounts)
	if err != nil {
		return fmt.Errorf("учётные записи: %w", err)
	}
	authenticator := auth.NewAuthenticator(issuer, cfg.Auth.Required)
	accept := func(hello protocol.Hello) (auth.Identity, error) {
		return authenticator.Authenticate(hello)
	}

	// === Шина событий ===
	bus, err := openBus(cfg.EventBus)
	if err != nil {
		return err
	}
	defer bus.Close()
	exporter := eventbus.NewMetricsExporter(bus, prometheus.DefaultRegisterer)
	exporter.Start(5 * time.Second)
	defer exporter.Stop()
	if sub, err := eventbus.StartLoggingListener(ctx, bus); err == nil {
		defer sub.Unsubscribe()
	}

	// === Журнал ===
	var jrnl *journal.BadgerJournal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(journal.OptionsFromConfig(cfg.Journal))
		if err != nil {
			return fmt.Errorf("журнал: %w", err)
		}
		defer jrnl.Close()
		logging.Info("📼 Журнал: %s", cfg.Journal.Path)
	}

	// === Транспорт ===
	sessionID := uuid.NewString()
	transport, identities, address, err := newTransport(cfg, sessionID, accept)
	if err != nil {
		return err
	}

	// === Узел ===
	opts, err := node.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Session.ID = sessionID
	opts.Bus = bus
	if jrnl != nil {
		opts.Journal = jrnl
	}
	opts.Metrics = metrics.New("charsync", prometheus.DefaultRegisterer)
	opts.Identities = identities
	if cfg.Replication.CompressAbove > 0 {
		zc, err := nsync.NewZstdCompressor()
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		defer zc.Close()
		opts.Compressor = zc
	}

	n := node.New(transport, opts)
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Close()
	if npcs > 0 {
		n.Submit(spawnWanderers(npcs))
	}

	// === REST ===
	webhooks := api.NewWebhookManager(0)
	if err := webhooks.Start(ctx, bus); err != nil {
		return err
	}
	defer webhooks.Stop()
	rest := api.NewServer(api.Config{
		Addr:     net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GetRESTPort())),
		Backend:  n,
		Accounts: accounts,
		Issuer:   issuer,
		Webhooks: webhooks,
	})
	if err := rest.Start(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rest.Stop(sctx); err != nil {
			logging.Error("❌ Ошибка остановки REST API: %v", err)
		}
	}()

	// === Каталог сессий ===
	if cfg.Directory.RedisAddr != "" {
		dir, err := directory.New(ctx, cfg.Directory)
		if err != nil {
			logging.Warn("⚠️ Каталог сессий недоступен: %v", err)
		} else {
			defer dir.Close()
			go dir.Run(ctx, func() (directory.Entry, bool) {
				st := n.Status()
				return directory.Entry{
					SessionID: st.SessionID,
					Address:   address,
					Transport: cfg.Server.Transport,
					State:     st.State,
					Players:   st.Players,
					Ready:     len(st.Ready),
					UpdatedAt: st.UpdatedAt,
				}, st.SessionID != ""
			})
		}
	}

	logging.Info("✅ Все сервисы запущены: сессия %s", sessionID)
	logging.Info("   🎮 Игровой трафик: %s", address)
	logging.Info("   🌐 REST API: http://%s", rest.Addr())

	err = n.Run(ctx, cfg.Server.TickInterval())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openBus(c config.EventBusConfig) (eventbus.EventBus, error) {
	if c.URL == "" {
		return eventbus.NewMemoryBus(c.Buffer), nil
	}
	bus, err := eventbus.NewJetStreamBus(c.URL, c.Stream, time.Duration(c.Retention)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("jetstream %s: %w", c.URL, err)
	}
	logging.Info("📨 JetStream: %s (%s)", c.URL, c.Stream)
	return bus, nil
}

func newTransport(cfg *config.Config, sessionID string, accept network.AcceptFunc) (network.Transport, network.IdentitySource, string, error) {
	host := cfg.Server.Host
	switch cfg.Server.Transport {
	case "websocket":
		addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.GetWebSocketPort()))
		srv := network.NewWSServer(network.WSServerOptions{
			Addr:      addr,
			SessionID: sessionID,
			Accept:    accept,
		})
		return srv, srv, "ws://" + addr + "/ws", nil
	case "kcp", "":
		reliable := net.JoinHostPort(host, strconv.Itoa(cfg.Server.GetReliablePort()))
		unreliable := net.JoinHostPort(host, strconv.Itoa(cfg.Server.GetUnreliablePort()))
		srv := network.NewKCPServer(network.KCPServerOptions{
			ReliableAddr:   reliable,
			UnreliableAddr: unreliable,
			SessionID:      sessionID,
			Accept:         accept,
		})
		return srv, srv, "kcp://" + reliable + "," + unreliable, nil
	}
	return nil, nil, "", fmt.Errorf("неизвестный транспорт %q", cfg.Server.Transport)
}

// spawnWanderers создаёт NPC, которые ходят по кругу вокруг точки появления
func spawnWanderers(count int) node.Command {
	return func(n *node.Node) error {
		for i := 0; i < count; i++ {
			angle := 2 * math.Pi * float64(i) / float64(count)
			center := vec.Vec3{X: 10 * math.Cos(angle), Z: 10 * math.Sin(angle)}
			c, err := n.SpawnNPC(fmt.Sprintf("wanderer-%d", i+1), center)
			if err != nil {
				return err
			}
			n.SetController(c.ID, wander(center, 3, 0.4+0.1*float64(i%3)))
		}
		return nil
	}
}

func wander(center vec.Vec3, radius, speed float64) node.Controller {
	return node.ControllerFunc(func(c *character.Character, now, _ float64) character.Transform {
		a := now * speed
		t := c.Transform
		t.Position = center.Add(vec.Vec3{X: radius * math.Cos(a), Z: radius * math.Sin(a)})
		t.Velocity = vec.Vec3{X: -radius * speed * math.Sin(a), Z: radius * speed * math.Cos(a)}
		return t
	})
}
