package events

// windowSize количество последних последовательностей, помнимых на источник
const windowSize = 64

// window скользящее битовое окно дедупликации одного источника.
// Бит i означает, что последовательность top-i уже доставлена.
type window struct {
	has  bool
	top  uint32
	bits uint64
}

// fresh true, если seq ещё не доставлялась и не старше окна
func (w *window) fresh(seq uint32) bool {
	if !w.has || seq > w.top {
		return true
	}
	diff := w.top - seq
	if diff >= windowSize {
		return false
	}
	return w.bits&(1<<diff) == 0
}

// mark отмечает seq доставленной
func (w *window) mark(seq uint32) {
	switch {
	case !w.has:
		w.has = true
		w.top = seq
		w.bits = 1
	case seq > w.top:
		shift := seq - w.top
		if shift >= windowSize {
			w.bits = 0
		} else {
			w.bits <<= shift
		}
		w.bits |= 1
		w.top = seq
	default:
		if diff := w.top - seq; diff < windowSize {
			w.bits |= 1 << diff
		}
	}
}
