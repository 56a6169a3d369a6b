package source

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/flow"
)

func ipToUint32(t *testing.T, ip string) uint32 {
	t.Helper()
	var b [4]byte
	parts := [4]int{}
	n, err := fmtSscanIP(ip, &parts)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	for i, p := range parts {
		b[i] = byte(p)
	}
	return binary.BigEndian.Uint32(b[:])
}

// fmtSscanIP avoids pulling in net.ParseIP just for the test helper's
// simple dotted-quad parsing.
func fmtSscanIP(ip string, out *[4]int) (int, error) {
	return fmtSscan(ip, out)
}

func fmtSscan(ip string, out *[4]int) (int, error) {
	idx, count := 0, 0
	cur := 0
	started := false
	for i := 0; i <= len(ip); i++ {
		if i == len(ip) || ip[i] == '.' {
			if started {
				out[idx] = cur
				idx++
				count++
				cur = 0
				started = false
			}
			continue
		}
		started = true
		cur = cur*10 + int(ip[i]-'0')
	}
	return count, nil
}

func TestFlowAssemblerAggregatesBidirectionalBytes(t *testing.T) {
	e := &captureEmitter{}
	a := NewFlowAssembler(e)

	src := ipToUint32(t, "10.0.1.11")
	dst := ipToUint32(t, "93.184.216.34")

	a.Ingest(rawPacket{SrcIP: src, DstIP: dst, SrcPort: 51000, DstPort: 443, Protocol: 6, PayloadLen: 500})
	a.Ingest(rawPacket{SrcIP: dst, DstIP: src, SrcPort: 443, DstPort: 51000, Protocol: 6, PayloadLen: 1500})

	a.mu.Lock()
	require.Len(t, a.windows, 1)
	var w *window
	for _, win := range a.windows {
		w = win
	}
	a.mu.Unlock()

	assert.Equal(t, int64(500), w.bytesSent)
	assert.Equal(t, int64(1500), w.bytesReceived)
}

func TestFlowAssemblerDropsMulticastAndSSDP(t *testing.T) {
	e := &captureEmitter{}
	a := NewFlowAssembler(e)

	ssdp := ipToUint32(t, "239.255.255.250")
	src := ipToUint32(t, "10.0.1.11")
	a.Ingest(rawPacket{SrcIP: src, DstIP: ssdp, SrcPort: 1900, DstPort: 1900, Protocol: 17, PayloadLen: 100})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.windows)
}

func TestFlowAssemblerFlushExpiredEmitsEvent(t *testing.T) {
	e := &captureEmitter{}
	a := NewFlowAssembler(e)

	src := ipToUint32(t, "10.0.1.11")
	dst := ipToUint32(t, "93.184.216.34")
	a.Ingest(rawPacket{SrcIP: src, DstIP: dst, SrcPort: 51000, DstPort: 443, Protocol: 6, PayloadLen: 200})

	a.mu.Lock()
	for _, w := range a.windows {
		w.opened = time.Now().Add(-3 * time.Second)
	}
	a.mu.Unlock()

	a.FlushExpired()

	got := e.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, int64(200), got[0].BytesSent)
	assert.Equal(t, flow.HTTPS, got[0].Protocol)
}

func TestParseHTTPHostExtractsHeader(t *testing.T) {
	payload := []byte("GET / HTTP/1.1\r\nHost: chat.openai.com\r\nUser-Agent: test\r\n\r\n")
	assert.Equal(t, "chat.openai.com", parseHTTPHost(payload))
}

func TestParseHTTPHostReturnsEmptyForNonHTTP(t *testing.T) {
	assert.Equal(t, "", parseHTTPHost([]byte{0x16, 0x03, 0x01, 0x00, 0x05}))
}

func TestParseDNSQueryExtractsQName(t *testing.T) {
	payload := make([]byte, 12)
	payload = append(payload, 3)
	payload = append(payload, []byte("api")...)
	payload = append(payload, 7)
	payload = append(payload, []byte("openai")...)
	payload = append(payload, 3)
	payload = append(payload, []byte("com")...)
	payload = append(payload, 0)

	assert.Equal(t, "api.openai.com", parseDNSQuery(payload))
}

func TestBuildJA3IsOrderSensitive(t *testing.T) {
	a := buildJA3(771, []byte{0x00, 0x2f, 0x00, 0x35}, []uint16{0, 10}, []uint16{23}, []uint16{0})
	b := buildJA3(771, []byte{0x00, 0x35, 0x00, 0x2f}, []uint16{10, 0}, []uint16{23}, []uint16{0})
	assert.NotEqual(t, a, b, "JA3 must be sensitive to wire order, not just set membership")
}

func TestDecodeRawPacketRejectsShortBuffers(t *testing.T) {
	_, ok := decodeRawPacket([]byte{1, 2, 3})
	assert.False(t, ok)
}
