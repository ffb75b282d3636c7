package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed кадр не удалось разобрать
var ErrMalformed = errors.New("malformed message")

// Encode сериализует управляющее сообщение: [kind][msgpack body]
func Encode(kind Kind, body interface{}) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("encode: %w: kind %d", ErrMalformed, kind)
	}
	payload, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации %s: %w", kind, err)
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(kind))
	return append(frame, payload...), nil
}

// MustEncode как Encode, паникует на ошибке. Только для сообщений с заведомо
// сериализуемыми телами (все типы этого пакета).
func MustEncode(kind Kind, body interface{}) []byte {
	frame, err := Encode(kind, body)
	if err != nil {
		panic(err)
	}
	return frame
}

// EncodeRaw собирает кадр из готовой полезной нагрузки
func EncodeRaw(kind Kind, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(kind))
	return append(frame, payload...)
}

// Split разбирает заголовок кадра. Тело не копируется.
func Split(frame []byte) (Kind, []byte, error) {
	if len(frame) == 0 {
		return KindUnknown, nil, fmt.Errorf("пустой кадр: %w", ErrMalformed)
	}
	kind := Kind(frame[0])
	if !kind.Valid() {
		return KindUnknown, nil, fmt.Errorf("неизвестный тип %d: %w", frame[0], ErrMalformed)
	}
	return kind, frame[1:], nil
}

// DecodeBody десериализует msgpack тело в v
func DecodeBody(body []byte, v interface{}) error {
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ошибка десериализации: %v: %w", err, ErrMalformed)
	}
	return nil
}
