package trace

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracer_ReportsSpans(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var spans []struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(body, &spans))

		mu.Lock()
		for _, s := range spans {
			names = append(names, s.Name)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	tracer, rep, err := Tracer("pbft-test", "127.0.0.1:3050", collector.URL)
	require.NoError(t, err)

	span := tracer.StartSpan("SubmitHandle")
	span.Finish()
	require.NoError(t, rep.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, names, 1)
	require.True(t, strings.EqualFold("SubmitHandle", names[0]), names[0])
}

func TestTracer_BadEndpoint(t *testing.T) {
	_, _, err := Tracer("pbft-test", "not a host:port:x", "")
	require.Error(t, err)
}
