package network

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/annel0/charsync/internal/protocol"
)

const (
	// maxFrameSize предел надёжного кадра
	maxFrameSize = 1 << 20
	// tokenSize размер токена привязки best-effort адреса
	tokenSize = 8
	// defaultHandshakeTimeout ожидание Hello/Welcome
	defaultHandshakeTimeout = 5 * time.Second
	// defaultSendQueue длина очереди отправки соединения
	defaultSendQueue = 1024
	// bindInterval период повторной привязки UDP адреса клиентом
	bindInterval = time.Second
)

// writeFrame пишет кадр с префиксом длины uint32 BE
func writeFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

// readFrame читает кадр с префиксом длины в buf (расширяя его при необходимости)
func readFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return buf, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return buf, fmt.Errorf("длина кадра %d: %w", n, protocol.ErrMalformed)
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// newBindToken случайный токен привязки
func newBindToken() (uint64, error) {
	var b [tokenSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// decodeHello разбирает первый кадр соединения
func decodeHello(frame []byte) (protocol.Hello, error) {
	var hello protocol.Hello
	kind, body, err := protocol.Split(frame)
	if err != nil {
		return hello, err
	}
	if kind != protocol.KindHello {
		return hello, fmt.Errorf("ожидался Hello, получен %s: %w", kind, ErrHandshake)
	}
	if err := protocol.DecodeBody(body, &hello); err != nil {
		return hello, err
	}
	return hello, nil
}

// decodeWelcome разбирает ответ авторитета
func decodeWelcome(frame []byte) (protocol.Welcome, error) {
	var w protocol.Welcome
	kind, body, err := protocol.Split(frame)
	if err != nil {
		return w, err
	}
	if kind != protocol.KindWelcome {
		return w, fmt.Errorf("ожидался Welcome, получен %s: %w", kind, ErrHandshake)
	}
	if err := protocol.DecodeBody(body, &w); err != nil {
		return w, err
	}
	return w, nil
}
