package p2p

import (
	"fmt"
	"net"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTraceSize is the number of bytes of punch trace kept per session.
const DefaultTraceSize = 8 * 1024

// punchTrace records hole-punching events. Events always go to the debug
// log; in verbose mode they are logged at info and the most recent ones are
// also kept in a bounded buffer the application can dump.
type punchTrace struct {
	verbose bool
	buf     *circbuf.Buffer
}

// newPunchTrace creates a trace keeping at most size bytes of history.
func newPunchTrace(verbose bool, size int64) (*punchTrace, error) {
	t := &punchTrace{verbose: verbose}
	if !verbose {
		return t, nil
	}
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("allocate punch trace: %w", err)
	}
	t.buf = buf
	return t, nil
}

// record logs one event against a remote address.
func (t *punchTrace) record(now time.Time, event string, addr net.Addr) {
	var ev *zerolog.Event
	if t.verbose {
		ev = log.Info()
	} else {
		ev = log.Debug()
	}
	ev.Str("event", event).Stringer("addr", addrStringer{addr}).Msg("punch")

	if t.buf != nil {
		fmt.Fprintf(t.buf, "%s %s %s\n", now.Format(time.RFC3339Nano), event, addrString(addr))
	}
}

// String returns the retained trace, oldest line possibly truncated.
func (t *punchTrace) String() string {
	if t.buf == nil {
		return ""
	}
	return t.buf.String()
}

// addrStringer prints "-" for a missing address.
type addrStringer struct{ addr net.Addr }

func (a addrStringer) String() string { return addrString(a.addr) }

func addrString(addr net.Addr) string {
	if addr == nil {
		return "-"
	}
	return addr.String()
}
