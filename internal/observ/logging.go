package observ

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

var (
	logMu  sync.Mutex
	logOut io.Writer = os.Stdout
)

// SetLogOutput redirects event output, returning the previous writer.
// Used by tests to capture events.
func SetLogOutput(w io.Writer) io.Writer {
	logMu.Lock()
	defer logMu.Unlock()
	prev := logOut
	logOut = w
	return prev
}

// Log emits one structured JSON event line. Events are named, not leveled;
// the event name is the routing key for downstream log queries. The caller's
// map is not modified, and concurrent events never interleave.
func Log(event string, kv map[string]any) {
	rec := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		rec[k] = v
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["event"] = event
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	logMu.Lock()
	logOut.Write(append(line, '\n'))
	logMu.Unlock()
}
