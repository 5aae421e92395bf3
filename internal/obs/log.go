package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var initLogger = sync.OnceValue(func() *log.Logger {
	return log.New(os.Stdout, "", 0)
})

// Logger returns the process-wide JSON line logger. Lines written through it
// are expected to already be valid JSON objects.
func Logger() *log.Logger { return initLogger() }

// LogRequest emits one JSON object per HTTP request.
func LogRequest(entry map[string]any) {
	Line(entry)
}

// Line marshals fields to a single JSON log line. Marshal failures are
// reported instead of dropped so a bad field does not silence logging.
func Line(fields map[string]any) {
	data, err := json.Marshal(fields)
	if err != nil {
		Logger().Printf(`{"ts":%q,"level":"error","msg":"log marshal failed","error":%q}`,
			time.Now().UTC().Format(time.RFC3339), err.Error())
		return
	}
	Logger().Println(string(data))
}
