// Package node связывает подсистемы ядра в один процесс синхронизации:
// транспорт, реестр персонажей, полномочия, сессию, события и репликацию.
//
// Всё состояние симуляции меняется только из Tick. Транспорт складывает
// входящие кадры в Inbox, другие горутины (REST API) передают работу через Submit.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/charsync/internal/authority"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/events"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/metrics"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/network"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/replication"
	"github.com/annel0/charsync/internal/session"
	nsync "github.com/annel0/charsync/internal/sync"
	"github.com/annel0/charsync/internal/vec"
)

var (
	// ErrNotStarted узел ещё не запущен
	ErrNotStarted = errors.New("node not started")
	// ErrBusy очередь команд переполнена
	ErrBusy = errors.New("node command queue full")
	// ErrStopped узел остановлен
	ErrStopped = errors.New("node stopped")
)

// Journal журнал подтверждённых изменений
type Journal interface {
	Append(ev *eventbus.Envelope) bool
}

// Controller задаёт трансформ персонажа, которым управляет этот процесс
type Controller interface {
	Control(c *character.Character, now, dt float64) character.Transform
}

// ControllerFunc функция-контроллер
type ControllerFunc func(c *character.Character, now, dt float64) character.Transform

func (f ControllerFunc) Control(c *character.Character, now, dt float64) character.Transform {
	return f(c, now, dt)
}

// Command работа, выполняемая в тике
type Command func(n *Node) error

// Options параметры узла
type Options struct {
	// Name имя игрока (участник) или источника событий (авторитет)
	Name string
	// AutoSpawn участник запрашивает персонажа сразу после подключения
	AutoSpawn     bool
	SpawnPosition vec.Vec3

	Replication         replication.Settings
	Session             session.Options
	Events              events.Limits
	Batch               nsync.Options
	Compressor          nsync.DeltaCompressor
	InboxCapacity       int
	CommandQueue        int
	DespawnOnDisconnect bool

	Bus        eventbus.EventBus
	Journal    Journal
	Metrics    *metrics.Metrics
	Identities network.IdentitySource
}

// OptionsFromConfig собирает параметры из конфигурации процесса
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	sess, err := session.OptionsFromConfig(cfg.Session)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Name:        "server",
		Replication: replication.SettingsFromConfig(cfg.Replication),
		Session:     sess,
		Events:      events.LimitsFromConfig(cfg.Events),
		Batch: nsync.Options{
			MTU:           cfg.Server.MTU,
			CompressAbove: cfg.Replication.CompressAbove,
		},
		InboxCapacity:       cfg.Server.InboxCapacity,
		DespawnOnDisconnect: cfg.Session.DespawnOnDisconnect,
	}, nil
}

// Node один процесс синхронизации (авторитет или участник)
type Node struct {
	opts      Options
	transport network.Transport
	inbox     *network.Inbox
	logger    *logging.Logger
	metrics   *metrics.Metrics

	// Заполняются в Start, когда известен ConnectionID
	local       netid.ConnectionID
	isAuthority bool
	registry    *character.Registry
	gate        *authority.Gate
	session     *session.Machine
	events      *events.Propagator
	settings    *replication.Settings
	batcher     *nsync.BatchManager
	decoder     *nsync.Decoder
	publisher   *publisher

	replicators map[netid.EntityID]*replication.Replicator
	order       []*replication.Replicator
	controllers map[netid.EntityID]Controller
	nextEntity  netid.EntityID

	commands  chan queuedCommand
	connected bool
	spawnSent bool
	hostPeer  bool // авторитет сам участвует в сессии своим игроком
	now       float64
	ticks     uint64
	samples   []protocol.TransformSample
	drops     map[string]uint64
	batchDrop uint64

	started atomic.Bool
	stopped atomic.Bool
	status  atomic.Pointer[Status]
}

type queuedCommand struct {
	cmd  Command
	done chan error
}

// New создаёт узел поверх транспорта. Подсистемы создаются в Start.
func New(transport network.Transport, opts Options) *Node {
	if opts.CommandQueue <= 0 {
		opts.CommandQueue = 256
	}
	if opts.Replication == (replication.Settings{}) {
		opts.Replication = replication.DefaultSettings()
	}
	n := &Node{
		opts:        opts,
		transport:   transport,
		inbox:       network.NewInbox(opts.InboxCapacity),
		logger:      logging.GetComponentLogger("node"),
		metrics:     opts.Metrics,
		replicators: make(map[netid.EntityID]*replication.Replicator),
		controllers: make(map[netid.EntityID]Controller),
		commands:    make(chan queuedCommand, opts.CommandQueue),
		drops:       make(map[string]uint64),
	}
	n.status.Store(&Status{})
	return n
}

// Start запускает транспорт и создаёт подсистемы. Авторитет сразу переводит
// сессию в начальное состояние.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("узел уже запущен")
	}
	if err := n.transport.Start(ctx, n.inbox.Handlers()); err != nil {
		n.started.Store(false)
		return fmt.Errorf("запуск транспорта: %w", err)
	}

	n.local = n.transport.LocalConnectionID()
	n.isAuthority = n.transport.IsAuthority()
	n.settings = &n.opts.Replication

	n.registry = character.NewRegistry()
	n.registry.SetLocalConnection(n.local)
	n.gate = authority.NewGate(nil, func(authority.Operation, authority.Requester, netid.EntityID) {
		n.drop(metrics.DropViolation)
	})
	n.session = session.NewMachine(n.opts.Session, n.isAuthority, n.local, n)
	n.events = events.NewPropagator(n.opts.Events, n.isAuthority, n.local, n.registry, n)
	n.batcher = nsync.NewBatchManager(n.opts.Batch, n.opts.Compressor)
	n.decoder = nsync.NewDecoder(n.opts.Compressor)
	n.publisher = newPublisher(n.opts.Name, n.opts.Bus, n.opts.Journal)
	if n.isAuthority {
		n.publisher.session = n.session.SessionID()
	}

	n.registry.Subscribe(n.onRegistry)
	n.session.OnStateChanged(n.onStateChanged)
	n.session.OnReadyChanged(n.onReadyChanged)
	n.events.OnDelivery(n.onEventDelivered)

	role := "участник"
	if n.isAuthority {
		role = "авторитет"
		if err := n.session.Start(); err != nil {
			return err
		}
	}
	n.logger.Info("🎮 Узел запущен: %s, соединение %s", role, n.local)
	n.publishStatus()
	return nil
}

// Close останавливает транспорт. Очередь команд отклоняется.
func (n *Node) Close() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	err := n.transport.Close()
	for {
		select {
		case q := <-n.commands:
			q.done <- ErrStopped
		default:
			n.logger.Info("👋 Узел остановлен")
			return err
		}
	}
}

// Run вызывает Tick с фиксированным шагом до отмены ctx
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	dt := interval.Seconds()
	for {
		select {
		case <-ticker.C:
			n.Tick(dt)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick один шаг симуляции:
// входящие → команды → сессия → владельцы → интерполяция → отправка → статус.
func (n *Node) Tick(dt float64) {
	if !n.started.Load() || n.stopped.Load() {
		return
	}
	start := time.Now()
	n.ticks++
	if dt > 0 {
		n.now += dt
	}
	n.events.Advance(dt)

	n.inbox.Drain(n.handleItem)
	n.runCommands()

	n.session.Tick(dt)
	n.observeOwned(dt)
	n.advanceRemote(dt)
	n.flush()

	if d := n.batcher.Dropped(); d > n.batchDrop {
		n.dropN(metrics.DropBatchFull, int(d-n.batchDrop))
		n.batchDrop = d
	}
	if d := n.inbox.Dropped(); d > n.drops[metrics.DropInboxFull] {
		n.metrics.Dropped(metrics.DropInboxFull, int(d-n.drops[metrics.DropInboxFull]))
		n.drops[metrics.DropInboxFull] = d
	}
	n.publishStatus()
	n.metrics.ObserveTick(time.Since(start))
}

// Submit ставит команду в очередь тика. Канал получает результат.
func (n *Node) Submit(cmd Command) <-chan error {
	done := make(chan error, 1)
	if n.stopped.Load() {
		done <- ErrStopped
		return done
	}
	select {
	case n.commands <- queuedCommand{cmd: cmd, done: done}:
	default:
		done <- ErrBusy
	}
	return done
}

// Do выполняет команду в тике и ждёт результата
func (n *Node) Do(ctx context.Context, cmd Command) error {
	select {
	case err := <-n.Submit(cmd):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) runCommands() {
	for {
		select {
		case q := <-n.commands:
			q.done <- n.safeRun(q.cmd)
		default:
			return
		}
	}
}

func (n *Node) safeRun(cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("паника в команде: %v", r)
			err = fmt.Errorf("command panic: %v", r)
		}
	}()
	return cmd(n)
}

// ---- Доступ из тика и команд ----

func (n *Node) Registry() *character.Registry { return n.registry }
func (n *Node) Session() *session.Machine     { return n.session }
func (n *Node) Events() *events.Propagator    { return n.events }
func (n *Node) Gate() *authority.Gate         { return n.gate }
func (n *Node) LocalConnectionID() netid.ConnectionID {
	return n.local
}
func (n *Node) IsAuthority() bool { return n.isAuthority }
func (n *Node) Now() float64      { return n.now }

// Replicator компонент репликации персонажа
func (n *Node) Replicator(id netid.EntityID) (*replication.Replicator, bool) {
	r, ok := n.replicators[id]
	return r, ok
}

// SetController назначает контроллер персонажу. Контроллер вызывается только
// пока персонаж под управлением этого процесса.
func (n *Node) SetController(id netid.EntityID, ctrl Controller) {
	if ctrl == nil {
		delete(n.controllers, id)
		return
	}
	n.controllers[id] = ctrl
}

// SendControl кодирует и отправляет управляющее сообщение по надёжному каналу
func (n *Node) SendControl(to netid.ConnectionID, kind protocol.Kind, body interface{}) {
	frame, err := protocol.Encode(kind, body)
	if err != nil {
		n.logger.Error("кодирование %s: %v", kind, err)
		return
	}
	if to == n.local {
		return
	}
	if err := n.transport.SendReliable(to, frame); err != nil {
		n.logger.Debug("отправка %s → %s: %v", kind, to, err)
	}
}

func (n *Node) drop(reason string) { n.dropN(reason, 1) }

func (n *Node) dropN(reason string, count int) {
	n.drops[reason] += uint64(count)
	n.metrics.Dropped(reason, count)
}
