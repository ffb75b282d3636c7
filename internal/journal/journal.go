// Package journal пишет подтверждённые авторитетом изменения в BadgerDB,
// чтобы сессию можно было воспроизвести после завершения.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/logging"
)

// ErrClosed журнал закрыт
var ErrClosed = errors.New("journal closed")

// Options параметры журнала
type Options struct {
	Path     string
	InMemory bool
	// Queue длина очереди записи; при переполнении записи теряются, тик не ждёт диск
	Queue int
}

// OptionsFromConfig переводит секцию journal конфигурации
func OptionsFromConfig(c config.JournalConfig) Options {
	return Options{Path: c.Path}
}

// BadgerJournal журнал с асинхронной записью.
// Ключ: <session>/<seq uint64 BE>, значение: msgpack Envelope.
type BadgerJournal struct {
	db     *badger.DB
	logger *logging.Logger

	queue   chan *eventbus.Envelope
	flush   chan chan struct{}
	quit    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	closeMu sync.RWMutex

	seq     uint64 // только горутина записи
	written atomic.Uint64
	dropped atomic.Uint64
}

// Open открывает (или создаёт) журнал
func Open(opts Options) (*BadgerJournal, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	if opts.Queue <= 0 {
		opts.Queue = 4096
	}

	j := &BadgerJournal{
		db:     db,
		logger: logging.GetComponentLogger("journal"),
		queue:  make(chan *eventbus.Envelope, opts.Queue),
		flush:  make(chan chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	j.logger.Info("📼 Журнал открыт (%s)", describe(opts))
	return j, nil
}

func describe(opts Options) string {
	if opts.InMemory {
		return "in-memory"
	}
	return opts.Path
}

// Append ставит запись в очередь и не блокирует; false: запись потеряна
func (j *BadgerJournal) Append(ev *eventbus.Envelope) bool {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed.Load() {
		return false
	}
	select {
	case j.queue <- ev:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// Flush дожидается записи всего, что было в очереди на момент вызова
func (j *BadgerJournal) Flush(ctx context.Context) error {
	if j.closed.Load() {
		return ErrClosed
	}
	ack := make(chan struct{})
	select {
	case j.flush <- ack:
	case <-j.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written количество записанных событий
func (j *BadgerJournal) Written() uint64 { return j.written.Load() }

// Dropped количество потерянных из-за переполнения очереди
func (j *BadgerJournal) Dropped() uint64 { return j.dropped.Load() }

// Replay проходит по записям сессии в порядке записи
func (j *BadgerJournal) Replay(session string, fn func(seq uint64, ev *eventbus.Envelope) error) error {
	prefix := []byte(session + "/")
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			seq := binary.BigEndian.Uint64(key[len(prefix):])

			var ev eventbus.Envelope
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("запись %s#%d: %w", session, seq, err)
			}
			if err := fn(seq, &ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close дописывает очередь и закрывает базу
func (j *BadgerJournal) Close() error {
	j.closeMu.Lock()
	if !j.closed.CompareAndSwap(false, true) {
		j.closeMu.Unlock()
		return nil
	}
	close(j.quit)
	j.closeMu.Unlock()

	<-j.done
	j.logger.Info("📼 Журнал закрыт: записано %d, потеряно %d", j.written.Load(), j.dropped.Load())
	return j.db.Close()
}

func (j *BadgerJournal) writeLoop() {
	defer close(j.done)
	batch := make([]*eventbus.Envelope, 0, 64)

	for {
		select {
		case ev := <-j.queue:
			batch = append(batch[:0], ev)
			batch = j.drainQueue(batch)
			j.write(batch)
		case ack := <-j.flush:
			j.write(j.drainQueue(batch[:0]))
			close(ack)
		case <-j.quit:
			j.write(j.drainQueue(batch[:0]))
			return
		}
	}
}

func (j *BadgerJournal) drainQueue(batch []*eventbus.Envelope) []*eventbus.Envelope {
	for {
		select {
		case ev := <-j.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (j *BadgerJournal) write(batch []*eventbus.Envelope) {
	if len(batch) == 0 {
		return
	}
	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	for _, ev := range batch {
		val, err := msgpack.Marshal(ev)
		if err != nil {
			j.logger.Warn("журнал: %s не сериализуется: %v", ev.EventType, err)
			continue
		}
		j.seq++
		if err := wb.Set(key(ev.CorrelationID, j.seq), val); err != nil {
			j.logger.Error("журнал: запись %d: %v", j.seq, err)
			return
		}
	}
	if err := wb.Flush(); err != nil {
		j.logger.Error("журнал: сброс пакета: %v", err)
		return
	}
	j.written.Add(uint64(len(batch)))
}

func key(session string, seq uint64) []byte {
	k := make([]byte, len(session)+1+8)
	n := copy(k, session)
	k[n] = '/'
	binary.BigEndian.PutUint64(k[n+1:], seq)
	return k
}
