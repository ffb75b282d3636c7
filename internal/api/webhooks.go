package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/logging"
)

// SignatureHeader заголовок HMAC-подписи тела
const SignatureHeader = "X-Webhook-Signature"

// Webhook исходящий webhook, получающий конверты шины событий
type Webhook struct {
	ID           uint64     `json:"id"`
	Name         string     `json:"name" binding:"required"`
	URL          string     `json:"url" binding:"required"`
	Secret       string     `json:"secret,omitempty"`
	Events       []string   `json:"events" binding:"required"` // типы конвертов или "*"
	Timeout      int        `json:"timeout"`                   // секунды
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	FailureCount int        `json:"failure_count"`
}

func (w *Webhook) subscribed(eventType string) bool {
	return slices.Contains(w.Events, eventType) || slices.Contains(w.Events, "*")
}

// WebhookEvent тело запроса к webhook'у
type WebhookEvent struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"event_type"`
	Timestamp int64                  `json:"timestamp"`
	Session   string                 `json:"session"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
}

// WebhookManager пересылает события шины во внешние webhook'и.
// Отправка идёт из одной фоновой горутины, очередь ограничена.
type WebhookManager struct {
	mu       sync.RWMutex
	webhooks map[uint64]*Webhook
	nextID   uint64

	queue   chan *eventbus.Envelope
	client  *http.Client
	logger  *logging.Logger
	backoff time.Duration
	sub     eventbus.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWebhookManager создаёт менеджер; Start подключает его к шине
func NewWebhookManager(queue int) *WebhookManager {
	if queue <= 0 {
		queue = 1000
	}
	return &WebhookManager{
		webhooks: make(map[uint64]*Webhook),
		nextID:   1,
		queue:    make(chan *eventbus.Envelope, queue),
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logging.GetComponentLogger("webhooks"),
		backoff:  time.Second,
		done:     make(chan struct{}),
	}
}

// Start подписывается на все события шины и запускает отправку
func (m *WebhookManager) Start(ctx context.Context, bus eventbus.EventBus) error {
	ctx, m.cancel = context.WithCancel(ctx)
	sub, err := bus.Subscribe(ctx, eventbus.Filter{}, func(_ context.Context, ev *eventbus.Envelope) {
		m.Enqueue(ev)
	})
	if err != nil {
		m.cancel()
		return fmt.Errorf("webhooks subscribe: %w", err)
	}
	m.sub = sub
	go m.worker(ctx)
	return nil
}

// Stop отписывается от шины и дожидается остановки
func (m *WebhookManager) Stop() {
	if m.cancel == nil {
		return
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.cancel()
	<-m.done
}

// Add регистрирует webhook
func (m *WebhookManager) Add(w Webhook) *Webhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = m.nextID
	m.nextID++
	w.CreatedAt = time.Now()
	if w.Timeout <= 0 {
		w.Timeout = 30
	}
	if w.RetryCount < 0 {
		w.RetryCount = 0
	}
	m.webhooks[w.ID] = &w
	cp := w
	return &cp
}

// List копии всех webhook'ов по возрастанию id
func (m *WebhookManager) List() []Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		list = append(list, *w)
	}
	slices.SortFunc(list, func(a, b Webhook) int { return int(a.ID) - int(b.ID) })
	return list
}

// Delete удаляет webhook
func (m *WebhookManager) Delete(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return false
	}
	delete(m.webhooks, id)
	return true
}

// Enqueue ставит конверт в очередь; при переполнении конверт пропускается
func (m *WebhookManager) Enqueue(ev *eventbus.Envelope) bool {
	select {
	case m.queue <- ev:
		return true
	default:
		m.logger.Warn("⚠️ Очередь webhook'ов переполнена, %s пропущено", ev.EventType)
		return false
	}
}

func (m *WebhookManager) worker(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *WebhookManager) dispatch(ctx context.Context, ev *eventbus.Envelope) {
	m.mu.RLock()
	targets := make([]Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		if w.subscribed(ev.EventType) {
			targets = append(targets, *w)
		}
	}
	m.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	body := WebhookEvent{
		ID:        ev.ID,
		EventType: ev.EventType,
		Timestamp: ev.Timestamp.Unix(),
		Session:   ev.CorrelationID,
		Source:    ev.Source,
	}
	if err := ev.Decode(&body.Data); err != nil {
		m.logger.Debug("payload %s не разобран: %v", ev.EventType, err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		m.logger.Error("❌ Маршалинг %s: %v", ev.EventType, err)
		return
	}

	for i := range targets {
		ok := m.send(ctx, &targets[i], ev.EventType, data)
		m.mu.Lock()
		if w, exists := m.webhooks[targets[i].ID]; exists {
			now := time.Now()
			w.LastUsed = &now
			if !ok {
				w.FailureCount++
			}
		}
		m.mu.Unlock()
	}
}

func (m *WebhookManager) send(ctx context.Context, w *Webhook, eventType string, data []byte) bool {
	for attempt := 0; attempt <= w.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * m.backoff):
			case <-ctx.Done():
				return false
			}
		}
		status, err := m.post(ctx, w, eventType, data)
		if err == nil && status >= 200 && status < 300 {
			m.logger.Debug("✅ %s доставлено в %s", eventType, w.Name)
			return true
		}
		m.logger.Warn("⚠️ Попытка %d/%d для %s: статус %d, %v", attempt+1, w.RetryCount+1, w.Name, status, err)
	}
	return false
}

func (m *WebhookManager) post(ctx context.Context, w *Webhook, eventType string, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(w.Timeout)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "charsync/1.0")
	req.Header.Set("X-Event-Type", eventType)
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(data, w.Secret))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign HMAC-SHA256 подпись тела в формате "sha256=<hex>"
func Sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ---- Обработчики admin API ----

func (s *Server) handleGetWebhooks(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Webhook'и", Data: s.cfg.Webhooks.List()})
}

func (s *Server) handleCreateWebhook(c *gin.Context) {
	var w Webhook
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный формат запроса"})
		return
	}
	created := s.cfg.Webhooks.Add(w)
	c.JSON(http.StatusCreated, GenericResponse{Success: true, Message: "Webhook создан", Data: created})
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный id"})
		return
	}
	if !s.cfg.Webhooks.Delete(id) {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Webhook не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Webhook удалён"})
}
