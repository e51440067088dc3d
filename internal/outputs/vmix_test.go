package outputs

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

type fakeVMix struct {
	mu      sync.Mutex
	queries []url.Values
	status  int
}

func (f *fakeVMix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.URL.Query())
	if r.URL.Path != "/api/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	_, _ = w.Write([]byte("<vmix></vmix>"))
}

func (f *fakeVMix) last() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func newTestVMix(t *testing.T, fake *fakeVMix) *VMixClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return NewVMixClient(VMixConfig{Host: host, Port: port, TimeoutSeconds: 2}, logger.NewNop())
}

func TestVMixPing(t *testing.T) {
	fake := &fakeVMix{}
	c := newTestVMix(t, fake)
	require.NoError(t, c.Ping(context.Background()))

	fake.status = http.StatusInternalServerError
	assert.Error(t, c.Ping(context.Background()))
}

func TestVMixSetText(t *testing.T) {
	fake := &fakeVMix{}
	c := newTestVMix(t, fake)

	require.NoError(t, c.SetText(context.Background(), "Title 1", "hello & goodbye"))

	q := fake.last()
	assert.Equal(t, "SetText", q.Get("Function"))
	assert.Equal(t, "Title 1", q.Get("Input"))
	assert.Equal(t, "0", q.Get("SelectedIndex"))
	assert.Equal(t, "hello & goodbye", q.Get("Value"))
}

func TestVMixSendSkipsEmptyRoutingKey(t *testing.T) {
	fake := &fakeVMix{}
	c := newTestVMix(t, fake)

	require.NoError(t, c.Send(context.Background(), "main", "", "text"))
	assert.Empty(t, fake.queries)

	require.NoError(t, c.Send(context.Background(), "main", "Captions", "text"))
	assert.Equal(t, "Captions", fake.last().Get("Input"))
}

func TestVMixUnreachable(t *testing.T) {
	c := NewVMixClient(VMixConfig{Host: "127.0.0.1", Port: 1, TimeoutSeconds: 1}, logger.NewNop())
	assert.Error(t, c.Ping(context.Background()))
}
