package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/charsync/internal/authority"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
)

// Outbox отправка управляющих сообщений по надёжному каналу.
// to == netid.Broadcast рассылает всем участникам.
type Outbox interface {
	SendControl(to netid.ConnectionID, kind protocol.Kind, body interface{})
}

type nopOutbox struct{}

func (nopOutbox) SendControl(netid.ConnectionID, protocol.Kind, interface{}) {}

// StateListener вызывается после применённого перехода
type StateListener func(prev, next State)

// ReadyListener вызывается после изменения готовности участника
type ReadyListener func(conn netid.ConnectionID, ready bool, readyCount int)

// Options параметры машины состояний
type Options struct {
	// ID идентификатор сессии; пусто: сгенерировать
	ID                string
	InitialState      State
	DefaultCountdown  float64
	MinPlayers        int
	AutoStart         bool
	TimerSyncInterval float64
}

// OptionsFromConfig переводит секцию session конфигурации
func OptionsFromConfig(c config.SessionConfig) (Options, error) {
	initial, err := ParseState(c.InitialState)
	if err != nil {
		return Options{}, err
	}
	return Options{
		InitialState:      initial,
		DefaultCountdown:  c.DefaultCountdown,
		MinPlayers:        c.MinPlayers,
		AutoStart:         c.AutoStart,
		TimerSyncInterval: c.TimerSyncInterval,
	}, nil
}

// timeEpsilon допуск накопленной ошибки суммирования шагов тика
const timeEpsilon = 1e-9

// Machine единственный координатор сессии процесса. На авторитете пишет
// состояние и рассылает его, у участников только применяет снимки.
// Используется только из тика симуляции.
type Machine struct {
	opts        Options
	isAuthority bool
	local       netid.ConnectionID
	id          string

	out    Outbox
	logger *logging.Logger
	tracer trace.Tracer

	state     State
	origin    State // откуда вошли в Loading/Transitioning
	countdown float64
	gameTime  float64
	revision  uint64
	sinceSync float64

	peers map[netid.ConnectionID]struct{}
	ready map[netid.ConnectionID]struct{}

	stateListeners []StateListener
	readyListeners []ReadyListener
	pending        []func()
	notifying      bool
}

// NewMachine создаёт машину в состоянии None. Start переводит её в начальное.
func NewMachine(opts Options, isAuthority bool, local netid.ConnectionID, out Outbox) *Machine {
	if out == nil {
		out = nopOutbox{}
	}
	if opts.MinPlayers < 1 {
		opts.MinPlayers = 1
	}
	m := &Machine{
		opts:        opts,
		isAuthority: isAuthority,
		local:       local,
		out:         out,
		logger:      logging.GetSessionLogger(),
		tracer:      otel.Tracer("github.com/annel0/charsync/internal/session"),
		peers:       make(map[netid.ConnectionID]struct{}),
		ready:       make(map[netid.ConnectionID]struct{}),
	}
	if isAuthority {
		m.id = opts.ID
		if m.id == "" {
			m.id = uuid.NewString()
		}
	}
	return m
}

// OnStateChanged подписка на переходы
func (m *Machine) OnStateChanged(l StateListener) { m.stateListeners = append(m.stateListeners, l) }

// OnReadyChanged подписка на изменения готовности
func (m *Machine) OnReadyChanged(l ReadyListener) { m.readyListeners = append(m.readyListeners, l) }

// ---- Чтение ----

func (m *Machine) CurrentState() State         { return m.state }
func (m *Machine) CountdownRemaining() float64 { return m.countdown }
func (m *Machine) GameTime() float64           { return m.gameTime }
func (m *Machine) ReadyPlayerCount() int       { return len(m.ready) }
func (m *Machine) PeerCount() int              { return len(m.peers) }
func (m *Machine) Revision() uint64            { return m.revision }
func (m *Machine) IsAuthority() bool           { return m.isAuthority }
func (m *Machine) SessionID() string           { return m.id }

// IsReady готово ли соединение
func (m *Machine) IsReady(c netid.ConnectionID) bool {
	_, ok := m.ready[c]
	return ok
}

// AllReady готовых не меньше минимума и столько же, сколько подключённых
func (m *Machine) AllReady() bool {
	return len(m.ready) >= m.opts.MinPlayers && len(m.ready) == len(m.peers)
}

// ReadyConnections отсортированный список готовых соединений
func (m *Machine) ReadyConnections() []netid.ConnectionID {
	list := make([]netid.ConnectionID, 0, len(m.ready))
	for c := range m.ready {
		list = append(list, c)
	}
	slices.Sort(list)
	return list
}

// Snapshot текущее состояние для рассылки
func (m *Machine) Snapshot() protocol.SessionSnapshot {
	return protocol.SessionSnapshot{
		State:     uint8(m.state),
		Countdown: m.countdown,
		GameTime:  m.gameTime,
		Ready:     m.ReadyConnections(),
		Revision:  m.revision,
	}
}

// ---- Переходы (только авторитет) ----

// Start переводит машину из None в начальное состояние
func (m *Machine) Start() error {
	if err := m.requireAuthority("Start"); err != nil {
		return err
	}
	if m.state != StateNone {
		return nil
	}
	initial := m.opts.InitialState
	if initial == StateNone {
		initial = StateLobby
	}
	m.logger.Info("🎮 Сессия %s запущена в состоянии %s", m.id, initial)
	m.transition(initial, "init")
	return nil
}

// SetState явный переход; повтор текущего состояния ничего не делает
func (m *Machine) SetState(next State) error {
	if err := m.requireAuthority("SetState"); err != nil {
		return err
	}
	if next == m.state {
		return nil
	}
	if !canSet(m.state, next, m.origin) {
		m.logger.Warn("⛔ Переход %s → %s запрещён", m.state, next)
		return fmt.Errorf("%s → %s: %w", m.state, next, ErrIllegalTransition)
	}
	m.transition(next, "set")
	return nil
}

// StartCountdown запускает обратный отсчёт; duration <= 0 берёт значение по умолчанию.
// Повторный вызов во время отсчёта перезапускает таймер.
func (m *Machine) StartCountdown(duration float64) error {
	if err := m.requireAuthority("StartCountdown"); err != nil {
		return err
	}
	if duration <= 0 {
		duration = m.opts.DefaultCountdown
	}
	switch m.state {
	case StateCountdown:
		m.countdown = duration
		m.changed()
		return nil
	case StateLobby:
		m.countdown = duration
		m.transition(StateCountdown, "countdown")
		return nil
	}
	return fmt.Errorf("StartCountdown из %s: %w", m.state, ErrIllegalTransition)
}

// CancelCountdown возвращает отсчёт в лобби
func (m *Machine) CancelCountdown() error {
	if err := m.requireAuthority("CancelCountdown"); err != nil {
		return err
	}
	if m.state != StateCountdown {
		return fmt.Errorf("CancelCountdown из %s: %w", m.state, ErrIllegalTransition)
	}
	m.transition(StateLobby, "cancel")
	return nil
}

// StartGameImmediate начинает игру без отсчёта
func (m *Machine) StartGameImmediate() error {
	if err := m.requireAuthority("StartGameImmediate"); err != nil {
		return err
	}
	switch m.state {
	case StateLobby, StateCountdown, StateLoading, StateTransitioning:
		m.transition(StatePlaying, "immediate")
		return nil
	case StatePlaying:
		return nil
	}
	return fmt.Errorf("StartGameImmediate из %s: %w", m.state, ErrIllegalTransition)
}

// Pause только из Playing
func (m *Machine) Pause() error {
	if err := m.requireAuthority("Pause"); err != nil {
		return err
	}
	switch m.state {
	case StatePaused:
		return nil
	case StatePlaying:
		m.transition(StatePaused, "pause")
		return nil
	}
	return fmt.Errorf("Pause из %s: %w", m.state, ErrIllegalTransition)
}

// Resume из Paused; в остальных состояниях ничего не делает
func (m *Machine) Resume() error {
	if err := m.requireAuthority("Resume"); err != nil {
		return err
	}
	if m.state == StatePaused {
		m.transition(StatePlaying, "resume")
	}
	return nil
}

// EndGame из Playing или Paused
func (m *Machine) EndGame() error {
	if err := m.requireAuthority("EndGame"); err != nil {
		return err
	}
	switch m.state {
	case StateGameOver:
		return nil
	case StatePlaying, StatePaused:
		m.transition(StateGameOver, "end")
		return nil
	}
	return fmt.Errorf("EndGame из %s: %w", m.state, ErrIllegalTransition)
}

// ReturnToLobby явный откат из любого состояния кроме None: таймеры и
// готовность сбрасываются
func (m *Machine) ReturnToLobby() error {
	if err := m.requireAuthority("ReturnToLobby"); err != nil {
		return err
	}
	switch m.state {
	case StateNone:
		return fmt.Errorf("ReturnToLobby из %s: %w", m.state, ErrIllegalTransition)
	case StateLobby:
		return nil
	}
	m.transition(StateLobby, "return")
	return nil
}

// Execute выполняет именованную команду (admin API, SessionCommand)
func (m *Machine) Execute(command string, duration float64) error {
	switch command {
	case "start_countdown":
		return m.StartCountdown(duration)
	case "cancel_countdown":
		return m.CancelCountdown()
	case "start_now":
		return m.StartGameImmediate()
	case "pause":
		return m.Pause()
	case "resume":
		return m.Resume()
	case "end":
		return m.EndGame()
	case "lobby":
		return m.ReturnToLobby()
	case "loading":
		return m.SetState(StateLoading)
	case "transitioning":
		return m.SetState(StateTransitioning)
	}
	return fmt.Errorf("неизвестная команда %q: %w", command, ErrIllegalTransition)
}

// Tick продвигает таймеры авторитета
func (m *Machine) Tick(dt float64) {
	if !m.isAuthority || dt <= 0 {
		return
	}

	switch m.state {
	case StateCountdown:
		m.countdown -= dt
		if m.countdown <= timeEpsilon {
			m.countdown = 0
			m.transition(StatePlaying, "timer")
			return
		}
	case StatePlaying:
		m.gameTime += dt
	default:
		return
	}

	if m.opts.TimerSyncInterval <= 0 {
		return
	}
	m.sinceSync += dt
	if m.sinceSync+timeEpsilon >= m.opts.TimerSyncInterval {
		m.sinceSync = 0
		m.out.SendControl(netid.Broadcast, protocol.KindSessionSnapshot, m.Snapshot())
	}
}

// ---- Готовность ----

// PeerConnected учитывает новое соединение и отправляет ему снимок
func (m *Machine) PeerConnected(conn netid.ConnectionID) {
	if !m.isAuthority {
		return
	}
	m.peers[conn] = struct{}{}
	m.logger.Debug("👤 Участник %s подключён (%d всего)", conn, len(m.peers))
	if conn != m.local {
		m.out.SendControl(conn, protocol.KindSessionSnapshot, m.Snapshot())
	}
}

// PeerDisconnected убирает соединение из ReadySet; состояние сессии не меняется
func (m *Machine) PeerDisconnected(conn netid.ConnectionID) {
	if !m.isAuthority {
		return
	}
	delete(m.peers, conn)
	if _, ok := m.ready[conn]; !ok {
		return
	}
	delete(m.ready, conn)
	m.logger.Info("👋 %s отключился, готовых %d", conn, len(m.ready))
	m.readyChanged(conn, false)
}

// RequestReady участник просит авторитета изменить свою готовность.
// На авторитете (host) применяется сразу.
func (m *Machine) RequestReady(ready bool) error {
	if m.isAuthority {
		return m.HandleReadyRequest(m.local, ready)
	}
	m.out.SendControl(netid.Server, protocol.KindReadyRequest, protocol.ReadyRequest{Ready: ready})
	return nil
}

// HandleReadyRequest обрабатывает запрос готовности от соединения
func (m *Machine) HandleReadyRequest(from netid.ConnectionID, ready bool) error {
	if err := m.requireAuthority("HandleReadyRequest"); err != nil {
		return err
	}
	if _, known := m.peers[from]; !known {
		return fmt.Errorf("ready от %s: %w", from, ErrUnknownPeer)
	}
	if m.state != StateLobby {
		return fmt.Errorf("ready от %s в %s: %w", from, m.state, ErrNotInLobby)
	}
	if _, was := m.ready[from]; was == ready {
		return nil
	}
	if ready {
		m.ready[from] = struct{}{}
	} else {
		delete(m.ready, from)
	}
	m.logger.Info("✋ %s готов=%v (%d/%d)", from, ready, len(m.ready), len(m.peers))
	m.readyChanged(from, ready)

	if m.opts.AutoStart && m.AllReady() && m.state == StateLobby {
		m.logger.Info("✅ Все готовы, запуск отсчёта")
		return m.StartCountdown(0)
	}
	return nil
}

// ---- Участник ----

// ApplySnapshot применяет снимок авторитета; устаревшие ревизии игнорируются
func (m *Machine) ApplySnapshot(s protocol.SessionSnapshot) {
	if m.isAuthority {
		return
	}
	next := State(s.State)
	if !next.Valid() || s.Revision < m.revision {
		return
	}
	m.revision = s.Revision
	m.countdown = s.Countdown
	m.gameTime = s.GameTime
	m.replaceReady(s.Ready)

	if prev := m.state; next != prev {
		m.state = next
		m.emitState(prev, next)
	}
}

// ApplyReadyUpdate применяет рассылку ReadySet
func (m *Machine) ApplyReadyUpdate(u protocol.ReadyUpdate) {
	if m.isAuthority {
		return
	}
	m.replaceReady(u.Ready)
}

func (m *Machine) replaceReady(list []netid.ConnectionID) {
	next := make(map[netid.ConnectionID]struct{}, len(list))
	for _, c := range list {
		next[c] = struct{}{}
	}
	prev := m.ready
	m.ready = next

	for c := range next {
		if _, ok := prev[c]; !ok {
			m.emitReady(c, true)
		}
	}
	for c := range prev {
		if _, ok := next[c]; !ok {
			m.emitReady(c, false)
		}
	}
}

// ---- Внутреннее ----

func (m *Machine) requireAuthority(op string) error {
	if m.isAuthority {
		return nil
	}
	return fmt.Errorf("%s на участнике %s: %w", op, m.local, authority.ErrViolation)
}

// transition применяет переход без проверки графа и выполняет побочные эффекты входа
func (m *Machine) transition(next State, reason string) {
	prev := m.state
	_, span := m.tracer.Start(context.Background(), "session.transition",
		trace.WithAttributes(
			attribute.String("session.id", m.id),
			attribute.String("session.from", prev.String()),
			attribute.String("session.to", next.String()),
			attribute.String("session.reason", reason),
		))
	defer span.End()

	m.state = next
	if isTransient(next) && !isTransient(prev) {
		m.origin = prev
	}
	switch next {
	case StateLobby:
		m.countdown = 0
		m.gameTime = 0
		if len(m.ready) > 0 {
			cleared := m.ReadyConnections()
			clear(m.ready)
			m.out.SendControl(netid.Broadcast, protocol.KindReadyUpdate, protocol.ReadyUpdate{})
			for _, c := range cleared {
				m.emitReady(c, false)
			}
		}
	case StateCountdown:
		if m.countdown <= 0 {
			m.countdown = m.opts.DefaultCountdown
		}
	case StatePlaying:
		m.countdown = 0
		// Загрузка сцены посреди игры не сбрасывает игровое время
		resumed := prev == StatePaused ||
			(isTransient(prev) && (m.origin == StatePaused || m.origin == StatePlaying))
		if !resumed {
			m.gameTime = 0
		}
	}
	m.sinceSync = 0

	m.logger.Info("🔀 Сессия: %s → %s (%s)", prev, next, reason)
	m.changed()
	m.emitState(prev, next)
}

// changed увеличивает ревизию и рассылает снимок
func (m *Machine) changed() {
	m.revision++
	m.out.SendControl(netid.Broadcast, protocol.KindSessionSnapshot, m.Snapshot())
}

func (m *Machine) readyChanged(conn netid.ConnectionID, ready bool) {
	m.revision++
	m.out.SendControl(netid.Broadcast, protocol.KindReadyUpdate, protocol.ReadyUpdate{
		Ready:   m.ReadyConnections(),
		Changed: conn,
		IsReady: ready,
	})
	m.emitReady(conn, ready)
}

func (m *Machine) emitState(prev, next State) {
	m.enqueue(func() {
		for _, l := range m.stateListeners {
			l(prev, next)
		}
	})
}

func (m *Machine) emitReady(conn netid.ConnectionID, ready bool) {
	count := len(m.ready)
	m.enqueue(func() {
		for _, l := range m.readyListeners {
			l(conn, ready, count)
		}
	})
}

// enqueue доставляет уведомления после завершения изменения. Переходы,
// вызванные из слушателя, ставятся в ту же очередь.
func (m *Machine) enqueue(fn func()) {
	m.pending = append(m.pending, fn)
	if m.notifying {
		return
	}
	m.notifying = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		next()
	}
	m.pending = m.pending[:0]
	m.notifying = false
}
