// Команда bot безголовый участник сессии: подключается, создаёт персонажа,
// отмечает готовность, ходит и шумит. Используется для нагрузочных прогонов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/charsync/internal/api"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/network"
	"github.com/annel0/charsync/internal/node"
	"github.com/annel0/charsync/internal/protocol"
	nsync "github.com/annel0/charsync/internal/sync"
	"github.com/annel0/charsync/internal/vec"
)

type botFlags struct {
	transport  string
	reliable   string
	unreliable string
	wsURL      string
	name       string
	token      string
	loginURL   string
	user       string
	password   string
	bots       int
	speed      float64
	noiseEvery time.Duration
}

func main() {
	var f botFlags
	flag.StringVar(&f.transport, "transport", "kcp", "kcp или websocket")
	flag.StringVar(&f.reliable, "addr", "127.0.0.1:7777", "KCP адрес авторитета")
	flag.StringVar(&f.unreliable, "udp", "127.0.0.1:7778", "UDP адрес best-effort канала")
	flag.StringVar(&f.wsURL, "ws", "ws://127.0.0.1:7780/ws", "WebSocket адрес")
	flag.StringVar(&f.name, "name", "bot", "префикс имени игрока")
	flag.StringVar(&f.token, "token", "", "JWT для рукопожатия")
	flag.StringVar(&f.loginURL, "login", "", "адрес REST API для получения токена (http://host:8088)")
	flag.StringVar(&f.user, "user", "", "имя для входа через REST")
	flag.StringVar(&f.password, "password", "", "пароль для входа через REST")
	flag.IntVar(&f.bots, "bots", 1, "количество ботов в процессе")
	flag.Float64Var(&f.speed, "speed", 2, "скорость ходьбы, м/с")
	flag.DurationVar(&f.noiseEvery, "noise", 3*time.Second, "период шума (0: без шума)")
	flag.Parse()

	if err := logging.InitDefaultLogger("bot"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.token == "" && f.loginURL != "" {
		tok, err := login(ctx, f.loginURL, f.user, f.password)
		if err != nil {
			logging.Error("❌ Вход: %v", err)
			os.Exit(1)
		}
		f.token = tok
	}

	var wg sync.WaitGroup
	for i := 0; i < f.bots; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := f.name
			if f.bots > 1 {
				name = fmt.Sprintf("%s-%d", f.name, i+1)
			}
			if err := runBot(ctx, f, name, int64(i)); err != nil && ctx.Err() == nil {
				logging.Error("❌ %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()
	logging.Info("👋 Боты остановлены")
}

func login(ctx context.Context, baseURL, user, password string) (string, error) {
	body, err := json.Marshal(api.LoginRequest{Username: user, Password: password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out api.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ответ %d: %w", resp.StatusCode, err)
	}
	if !out.Success {
		return "", fmt.Errorf("отказ: %s", out.Message)
	}
	return out.Token, nil
}

func newTransport(f botFlags, hello protocol.Hello) (network.Transport, error) {
	switch f.transport {
	case "websocket":
		return network.NewWSClient(network.WSClientOptions{URL: f.wsURL, Hello: hello}), nil
	case "kcp":
		return network.NewKCPClient(network.KCPClientOptions{
			ReliableAddr:   f.reliable,
			UnreliableAddr: f.unreliable,
			Hello:          hello,
		}), nil
	}
	return nil, fmt.Errorf("неизвестный транспорт %q", f.transport)
}

func runBot(ctx context.Context, f botFlags, name string, seed int64) error {
	hello := protocol.Hello{Version: protocol.ProtocolVersion, Token: f.token, Name: name}
	transport, err := newTransport(f, hello)
	if err != nil {
		return err
	}

	cfg := config.Default()
	opts, err := node.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + seed))
	opts.Name = name
	opts.AutoSpawn = true
	opts.SpawnPosition = vec.Vec3{X: rng.Float64()*20 - 10, Z: rng.Float64()*20 - 10}
	zc, err := nsync.NewZstdCompressor()
	if err != nil {
		return err
	}
	defer zc.Close()
	opts.Compressor = zc

	n := node.New(transport, opts)
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Close()
	logging.Info("🤖 %s подключён как %s", name, n.LocalConnectionID())

	go drive(ctx, n, f, rng)
	return n.Run(ctx, cfg.Server.TickInterval())
}

// drive ждёт своего персонажа, назначает ему контроллер, отмечает готовность
// и периодически шумит
func drive(ctx context.Context, n *node.Node, f botFlags, rng *rand.Rand) {
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	var noise <-chan time.Time
	if f.noiseEvery > 0 {
		t := time.NewTicker(f.noiseEvery)
		defer t.Stop()
		noise = t.C
	}

	walker := &walker{speed: f.speed, rng: rng}
	controlled := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if controlled {
				continue
			}
			err := n.Do(ctx, func(n *node.Node) error {
				lp, ok := n.Registry().LocalPlayer()
				if !ok {
					return nil
				}
				n.SetController(lp.ID, walker)
				controlled = true
				return n.RequestReady(true)
			})
			if err != nil {
				logging.Warn("⚠️ %v", err)
			}
		case <-noise:
			if !controlled {
				continue
			}
			if err := makeNoise(ctx, n, rng); err != nil {
				logging.Debug("шум не отправлен: %v", err)
			}
		}
	}
}

// makeNoise шаги в позиции своего персонажа; без персонажа ничего не делает
func makeNoise(ctx context.Context, n *node.Node, rng *rand.Rand) error {
	return n.Do(ctx, func(n *node.Node) error {
		lp, ok := n.Registry().LocalPlayer()
		if !ok {
			return nil
		}
		return n.Emit("footstep", lp.Transform.Position, 4+rng.Float64()*4, 0.3+rng.Float64()*0.5)
	})
}

// walker ходит к случайным точкам, иногда останавливаясь
type walker struct {
	speed  float64
	rng    *rand.Rand
	target vec.Vec3
	wait   float64
	has    bool
}

func (w *walker) Control(c *character.Character, _, dt float64) character.Transform {
	t := c.Transform
	if w.wait > 0 {
		w.wait -= dt
		t.Velocity = vec.Vec3{}
		return t
	}
	if !w.has {
		w.target = vec.Vec3{X: w.rng.Float64()*40 - 20, Z: w.rng.Float64()*40 - 20}
		w.has = true
	}
	to := w.target.Sub(t.Position)
	to.Y = 0
	dist := to.Length()
	if dist < 0.1 {
		w.has = false
		w.wait = w.rng.Float64() * 2
		t.Velocity = vec.Vec3{}
		return t
	}
	step := math.Min(w.speed*dt, dist)
	dir := to.Normalized()
	t.Position = t.Position.Add(dir.Mul(step))
	t.Velocity = dir.Mul(w.speed)
	return t
}
