package stats

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/segmentio/analytics-go/v3"
)

var (
	client     analytics.Client
	clientOnce sync.Once
)

// getClient lazily builds the segment client once; queue workers call
// in concurrently.
func getClient() analytics.Client {
	clientOnce.Do(func() {
		segmentApiKey := os.Getenv("SEGMENT_API_KEY")
		if segmentApiKey == "" {
			slog.Debug("Not initializing segment because SEGMENT_API_KEY is missing")
			return
		}
		client = analytics.New(segmentApiKey)
	})
	return client
}

func CloseClient() {
	if client == nil {
		return
	}
	client.Close()
}

// Incr emits a counter event. Counters always log, so operators see
// them even when segment is not configured.
func Incr(name string, tags map[string]string) {
	args := make([]any, 0, len(tags)*2)
	for k, v := range tags {
		args = append(args, k, v)
	}
	slog.Debug("counter "+name, args...)

	c := getClient()
	if c == nil {
		return
	}
	props := analytics.NewProperties()
	for k, v := range tags {
		props.Set(k, v)
	}
	c.Enqueue(analytics.Track{
		Event:      name,
		UserId:     "hookhub",
		Properties: props,
	})
}

func Timing(name string, duration time.Duration) {
	slog.Debug("timing "+name, "ms", duration.Milliseconds())

	c := getClient()
	if c == nil {
		return
	}
	c.Enqueue(analytics.Track{
		Event:      name,
		UserId:     "hookhub",
		Properties: analytics.NewProperties().Set("duration_ms", duration.Milliseconds()),
	})
}
