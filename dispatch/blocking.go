package dispatch

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/peerdial/limits"
	"github.com/sirupsen/logrus"
)

// BlockingFrontEnd reads the first word of a connection on the caller's
// goroutine and dispatches it inline.
type BlockingFrontEnd struct {
	d *Dispatcher
}

// NewBlockingFrontEnd creates a front end for d.
func NewBlockingFrontEnd(d *Dispatcher) *BlockingFrontEnd {
	return &BlockingFrontEnd{d: d}
}

// Serve reads the word from conn and dispatches it. conn is closed when no
// word can be read. Bytes after the separating space stay unread.
func (fe *BlockingFrontEnd) Serve(conn net.Conn) {
	fe.d.stats.accepted.Add(1)

	conn.SetReadDeadline(time.Now().Add(fe.d.wordReadTimeout()))
	word, err := readWord(conn, fe.d.MaxWordSize())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "BlockingFrontEnd.Serve",
			"peer":     addrString(conn.RemoteAddr()),
			"error":    err.Error(),
		}).Debug("No protocol word")
		fe.d.stats.unknown.Add(1)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	fe.d.Dispatch(word, conn, false)
}

// readWord reads one byte at a time until a space, giving up after
// maxLen+1 bytes.
func readWord(r io.Reader, maxLen int) (string, error) {
	if maxLen == 0 {
		return "", fmt.Errorf("no protocol words registered")
	}
	buf := make([]byte, 0, maxLen+1)
	var b [1]byte
	for len(buf) <= maxLen {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == ' ' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("%w: %d bytes without a space", ErrWordTooLong, len(buf))
}

func (d *Dispatcher) wordReadTimeout() time.Duration {
	if d.settings != nil {
		if t := d.settings.WordReadTimeout(); t > 0 {
			return t
		}
	}
	return limits.DefaultWordReadTimeout
}
