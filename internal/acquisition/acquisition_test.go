package acquisition

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/kvstore"
	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/samplestore"
	"github.com/ecowatt/agent/internal/transport"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time        { return f.t }
func (f *fakeClock) Sleep(d time.Duration) { f.t = f.t.Add(d) }

func newDiag() *diagnostics.Diagnostics {
	return diagnostics.New("dev-1", &fakeClock{t: time.Unix(0, 0)}, kvstore.NewMemoryStore())
}

func hexEncode(b []byte) string {
	const hextable = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0F]
	}
	return string(out)
}

// stubTransport implements transport.Transport, returning a fixed frame or a
// fixed error.
type stubTransport struct {
	responseFrame string
	suppressFrame bool
	failErr       error
}

func (s *stubTransport) Post(_ context.Context, _ string, _ map[string]string, _ []byte) (*transport.Response, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	if s.suppressFrame {
		return &transport.Response{StatusCode: 200, Body: nil}, nil
	}
	payload, _ := json.Marshal(struct {
		Frame string `json:"frame"`
	}{Frame: s.responseFrame})
	return &transport.Response{StatusCode: 200, Body: payload}, nil
}

func (s *stubTransport) Get(ctx context.Context, url string, headers map[string]string) (*transport.Response, error) {
	return s.Post(ctx, url, headers, nil)
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

func TestPoll_HappyPathPushesSample(t *testing.T) {
	registers := []modbus.RegisterID{modbus.VAC1, modbus.IAC1, modbus.IPV1, modbus.PAC}
	_, start, count, err := modbus.BuildRead(0x11, registers)
	require.NoError(t, err)

	startAddr := func(r modbus.RegisterID) uint16 {
		a, _ := modbus.Address(r)
		return a
	}

	words := make([]uint16, count)
	words[startAddr(modbus.VAC1)-start] = 230
	words[startAddr(modbus.IAC1)-start] = 5
	words[startAddr(modbus.IPV1)-start] = 7
	words[startAddr(modbus.PAC)-start] = 800

	buf := []byte{0x11, modbus.FuncReadHoldingRegisters, byte(2 * count)}
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}

	store := samplestore.New(4)
	diag := newDiag()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}

	tr := &stubTransport{responseFrame: hexEncode(buf)}
	eng := New(0x11, registers, "http://gateway/api/inverter/read", "key", tr, store, diag, clk)
	eng.Poll(context.Background())

	assert.Equal(t, 1, store.Len())
	batch := store.DrainAll()
	require.Len(t, batch, 1)
	assert.Equal(t, int64(1700000000), batch[0].Timestamp)
	assert.Equal(t, uint16(230), batch[0].Values[modbus.VAC1])
	assert.Equal(t, uint16(800), batch[0].Values[modbus.PAC])
}

func TestPoll_TransportErrorIncrementsReadErrors(t *testing.T) {
	store := samplestore.New(4)
	diag := newDiag()
	clk := &fakeClock{t: time.Unix(0, 0)}

	tr := &stubTransport{failErr: stubErr("boom")}
	eng := New(0x11, []modbus.RegisterID{modbus.VAC1}, "http://gateway", "key", tr, store, diag, clk)
	eng.Poll(context.Background())

	assert.True(t, store.IsEmpty())
	v, err := diag.Counter(context.Background(), diagnostics.ReadErrors)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestPoll_EmptyBodyIncrementsMalformed(t *testing.T) {
	store := samplestore.New(4)
	diag := newDiag()
	clk := &fakeClock{t: time.Unix(0, 0)}

	tr := &stubTransport{suppressFrame: true}
	eng := New(0x11, []modbus.RegisterID{modbus.VAC1}, "http://gateway", "key", tr, store, diag, clk)
	eng.Poll(context.Background())

	assert.True(t, store.IsEmpty())
	v, err := diag.Counter(context.Background(), diagnostics.MalformedFrames)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestPoll_ModbusExceptionIncrementsReadErrors(t *testing.T) {
	store := samplestore.New(4)
	diag := newDiag()
	clk := &fakeClock{t: time.Unix(0, 0)}

	excFrame := []byte{0x11, 0x83, 0x02}
	tr := &stubTransport{responseFrame: hexEncode(excFrame)}
	eng := New(0x11, []modbus.RegisterID{modbus.VAC1}, "http://gateway", "key", tr, store, diag, clk)
	eng.Poll(context.Background())

	assert.True(t, store.IsEmpty())
	v, err := diag.Counter(context.Background(), diagnostics.ReadErrors)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}
