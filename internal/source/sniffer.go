package source

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/flow"
)

// rawPacket mirrors the kernel-side C struct a real socket filter program
// would emit into the ring buffer: a 5-tuple, a capture timestamp, and a
// bounded payload snapshot used for host/SNI/JA3/DNS extraction.
type rawPacket struct {
	Timestamp  uint64
	SrcIP      uint32
	DstIP      uint32
	SrcPort    uint16
	DstPort    uint16
	Protocol   uint8
	PayloadLen uint32
	Payload    []byte
}

const windowDuration = 2 * time.Second

// flowKey identifies one bidirectional 5-tuple window. Source and
// destination are normalized so the reply direction of a flow folds into
// the same window as its request direction.
type flowKey struct {
	loIP, hiIP     uint32
	loPort, hiPort uint16
	protocol       uint8
}

func newFlowKey(p rawPacket) (key flowKey, forward bool) {
	if p.SrcIP < p.DstIP || (p.SrcIP == p.DstIP && p.SrcPort <= p.DstPort) {
		return flowKey{p.SrcIP, p.DstIP, p.SrcPort, p.DstPort, p.Protocol}, true
	}
	return flowKey{p.DstIP, p.SrcIP, p.DstPort, p.SrcPort, p.Protocol}, false
}

// window accumulates packets for one flowKey over windowDuration before
// being flushed into a single flow.Event.
type window struct {
	key           flowKey
	opened        time.Time
	srcIP, dstIP  uint32
	srcPort       uint16
	dstPort       uint16
	bytesSent     int64
	bytesReceived int64
	protocol      flow.Protocol
	host          string
	sni           string
	ja3           string
	dnsQuery      string
}

// FlowAssembler folds raw per-packet samples into bidirectional flow
// windows keyed by 5-tuple and flushes each window as one flow.Event once
// it has been open for windowDuration.
type FlowAssembler struct {
	mu      sync.Mutex
	windows map[flowKey]*window
	emitter events.Emitter
}

func NewFlowAssembler(emitter events.Emitter) *FlowAssembler {
	return &FlowAssembler{
		windows: make(map[flowKey]*window),
		emitter: emitter,
	}
}

// Ingest folds one raw packet into its window, dropping traffic the spec
// excludes at the source: non-IP, loopback, link-local multicast, and SSDP.
func (a *FlowAssembler) Ingest(p rawPacket) {
	srcIP := ipString32(p.SrcIP)
	dstIP := ipString32(p.DstIP)
	if shouldDrop(srcIP) || shouldDrop(dstIP) {
		return
	}

	key, forward := newFlowKey(p)

	a.mu.Lock()
	w, ok := a.windows[key]
	if !ok {
		w = &window{
			key:      key,
			opened:   time.Now(),
			srcIP:    p.SrcIP,
			dstIP:    p.DstIP,
			srcPort:  p.SrcPort,
			dstPort:  p.DstPort,
			protocol: protocolFromByte(p.Protocol, p.DstPort),
		}
		a.windows[key] = w
	}

	if forward {
		w.bytesSent += int64(p.PayloadLen)
	} else {
		w.bytesReceived += int64(p.PayloadLen)
	}
	extractApplicationLayer(w, p)
	expired := time.Since(w.opened) >= windowDuration
	a.mu.Unlock()

	if expired {
		a.flush(key)
	}
}

// FlushExpired sweeps every open window and emits the ones that have aged
// past windowDuration. Call on a periodic ticker so low-volume flows (one
// packet, never revisited) still get reported.
func (a *FlowAssembler) FlushExpired() {
	a.mu.Lock()
	var expired []flowKey
	for k, w := range a.windows {
		if time.Since(w.opened) >= windowDuration {
			expired = append(expired, k)
		}
	}
	a.mu.Unlock()

	for _, k := range expired {
		a.flush(k)
	}
}

func (a *FlowAssembler) flush(key flowKey) {
	a.mu.Lock()
	w, ok := a.windows[key]
	if ok {
		delete(a.windows, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	meta := map[string]string{}
	if w.host != "" {
		meta[flow.MetaHost] = w.host
	}
	if w.sni != "" {
		meta[flow.MetaSNI] = w.sni
	}
	if w.dnsQuery != "" {
		meta[flow.MetaDNSQuery] = w.dnsQuery
	}

	event := &flow.Event{
		Timestamp:      w.opened,
		SourceIP:       ipString32(w.srcIP),
		DestinationIP:  ipString32(w.dstIP),
		SourcePort:     int(w.srcPort),
		DestPort:       int(w.dstPort),
		Protocol:       w.protocol,
		BytesSent:      w.bytesSent,
		BytesReceived:  w.bytesReceived,
		JA3Hash:        w.ja3,
		Metadata:       meta,
		DurationMillis: time.Since(w.opened).Milliseconds(),
	}
	if len(meta) == 0 {
		event.Metadata = nil
	}
	a.emitter.Publish(events.TopicTraffic, "source-sniffer", event)
}

func shouldDrop(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	if parsed.IsLoopback() {
		return true
	}
	if flow.IsMulticastOrBroadcast(ip) || flow.IsSSDP(ip) {
		return true
	}
	return false
}

func protocolFromByte(proto uint8, dstPort uint16) flow.Protocol {
	switch proto {
	case 6:
		switch dstPort {
		case 443:
			return flow.HTTPS
		case 80:
			return flow.HTTP
		default:
			return flow.TCP
		}
	case 17:
		if dstPort == 53 {
			return flow.DNS
		}
		return flow.UDP
	case 1:
		return flow.ICMP
	default:
		return flow.OTHER
	}
}

// extractApplicationLayer inspects a packet's payload for an HTTP Host
// header, a TLS ClientHello SNI/JA3 fingerprint, or a DNS query name, and
// records whichever it finds onto the window. Best-effort: malformed or
// unrecognized payloads are left alone rather than erroring the flow.
func extractApplicationLayer(w *window, p rawPacket) {
	if len(p.Payload) == 0 {
		return
	}
	if host := parseHTTPHost(p.Payload); host != "" {
		w.host = host
		return
	}
	if sni, ja3 := parseTLSClientHello(p.Payload); sni != "" {
		w.sni = sni
		w.ja3 = ja3
		return
	}
	if qname := parseDNSQuery(p.Payload); qname != "" {
		w.dnsQuery = qname
	}
}

func ipString32(ip uint32) string {
	b := [4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}
	return net.IPv4(b[0], b[1], b[2], b[3]).String()
}

// parseHTTPHost looks for a "Host: " line in what is assumed to be a
// plaintext HTTP request. Returns "" if the payload isn't HTTP or has no
// Host header in the captured prefix.
func parseHTTPHost(payload []byte) string {
	const marker = "Host: "
	idx := indexOf(payload, []byte(marker))
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	end := start
	for end < len(payload) && payload[end] != '\r' && payload[end] != '\n' {
		end++
	}
	if end <= start {
		return ""
	}
	return string(payload[start:end])
}

// parseTLSClientHello parses a raw TLS ClientHello record (content type
// 0x16, handshake type 0x01) enough to pull the SNI extension and compute
// its JA3 fingerprint (MD5 of "version,ciphers,extensions,curves,points" in
// wire order), per the upstream JA3 specification. This is a minimal
// implementation covering the fields the detector needs; it does not
// validate the full TLS record grammar.
func parseTLSClientHello(payload []byte) (sni, ja3 string) {
	if len(payload) < 6 || payload[0] != 0x16 {
		return "", ""
	}
	recordLen := int(binary.BigEndian.Uint16(payload[3:5]))
	if recordLen+5 > len(payload) {
		return "", ""
	}
	body := payload[5:]
	if len(body) < 4 || body[0] != 0x01 {
		return "", ""
	}
	// Handshake header (4 bytes) + client_version (2) + random (32) + session_id length (1)
	pos := 4
	pos += 2 + 32
	if pos >= len(body) {
		return "", ""
	}
	version := uint16(body[4])<<8 | uint16(body[5])
	sessIDLen := int(body[pos])
	pos += 1 + sessIDLen
	if pos+2 > len(body) {
		return "", ""
	}
	cipherLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+cipherLen > len(body) {
		return "", ""
	}
	ciphers := body[pos : pos+cipherLen]
	pos += cipherLen

	if pos >= len(body) {
		return "", ""
	}
	compLen := int(body[pos])
	pos += 1 + compLen
	if pos+2 > len(body) {
		return "", buildJA3(version, ciphers, nil, nil, nil)
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	extEnd := pos + extTotalLen
	if extEnd > len(body) {
		extEnd = len(body)
	}

	var extTypes, curves, points []uint16
	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(body[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		extData := body[pos+4:]
		if extLen > len(extData) {
			break
		}
		extData = extData[:extLen]
		extTypes = append(extTypes, extType)

		switch extType {
		case 0x00: // server_name
			sni = parseSNIExtension(extData)
		case 0x0a: // supported_groups (curves)
			curves = parseUint16List(extData)
		case 0x0b: // ec_point_formats
			for _, b := range extData {
				points = append(points, uint16(b))
			}
		}
		pos += 4 + extLen
	}

	ja3 = buildJA3(version, ciphers, extTypes, curves, points)
	return sni, ja3
}

func parseSNIExtension(data []byte) string {
	if len(data) < 5 {
		return ""
	}
	// server_name_list length (2) + name_type (1) + name length (2)
	nameLen := int(binary.BigEndian.Uint16(data[3:5]))
	if 5+nameLen > len(data) {
		return ""
	}
	return string(data[5 : 5+nameLen])
}

func parseUint16List(data []byte) []uint16 {
	var out []uint16
	if len(data) < 2 {
		return out
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	body := data[2:]
	if listLen > len(body) {
		listLen = len(body)
	}
	for i := 0; i+1 < listLen; i += 2 {
		out = append(out, binary.BigEndian.Uint16(body[i:i+2]))
	}
	return out
}

// buildJA3 computes the JA3 fingerprint: MD5 of
// "version,cipher-cipher-...,ext-ext-...,curve-curve-...,point-point-..."
// with cipher/extension/curve/point-format lists in their wire order
// (JA3 is order-sensitive, not sorted).
func buildJA3(version uint16, ciphers []byte, extTypes, curves, points []uint16) string {
	cipherList := uint16ListFromBytes(ciphers)
	fields := fmt.Sprintf("%d,%s,%s,%s,%s",
		version,
		joinUint16(cipherList),
		joinUint16(extTypes),
		joinUint16(curves),
		joinUint16(points),
	)
	sum := md5.Sum([]byte(fields))
	return fmt.Sprintf("%x", sum)
}

func uint16ListFromBytes(b []byte) []uint16 {
	var out []uint16
	for i := 0; i+1 < len(b); i += 2 {
		out = append(out, binary.BigEndian.Uint16(b[i:i+2]))
	}
	return out
}

func joinUint16(vals []uint16) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += "-"
		}
		out += fmt.Sprintf("%d", v)
	}
	return out
}

// parseDNSQuery extracts the qname from a DNS query packet's question
// section (the question always starts at byte 12 of the DNS message).
func parseDNSQuery(payload []byte) string {
	if len(payload) < 13 {
		return ""
	}
	pos := 12
	var labels []string
	for pos < len(payload) {
		l := int(payload[pos])
		if l == 0 {
			break
		}
		pos++
		if pos+l > len(payload) {
			return ""
		}
		labels = append(labels, string(payload[pos:pos+l]))
		pos += l
	}
	if len(labels) == 0 {
		return ""
	}
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Sniffer is the live eBPF flow source. It attaches a socket filter ring
// buffer reader and folds raw packet samples into flow.Event windows via a
// FlowAssembler. Since a real BPF object can't be compiled in every build
// environment, a Sniffer constructed without an attached ring runs in mock
// mode: Start logs and returns without producing traffic, exactly like the
// kernel tap it's descended from.
type Sniffer struct {
	iface     string
	ring      *ringbuf.Reader
	assembler *FlowAssembler
	stop      chan struct{}
}

// NewSniffer prepares a live sniffer bound to iface. Attaching the actual
// socket filter program is intentionally left to a real build's
// bpf2go-generated loader; this constructor only removes the memlock
// rlimit eBPF ring buffers require.
func NewSniffer(iface string, emitter events.Emitter) (*Sniffer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}
	return &Sniffer{
		iface:     iface,
		assembler: NewFlowAssembler(emitter),
		stop:      make(chan struct{}),
	}, nil
}

// Start begins consuming the ring buffer and periodically sweeping expired
// flow windows. In mock mode (no ring attached) it only runs the sweep
// loop, since Ingest is never driven.
func (s *Sniffer) Start() {
	log.Printf("[sniffer] attaching to %s", s.iface)
	if s.ring == nil {
		log.Println("[sniffer] no BPF ring buffer attached (mock mode)")
	} else {
		go s.consume()
	}
	go s.sweep()
}

func (s *Sniffer) consume() {
	for {
		record, err := s.ring.Read()
		if err != nil {
			if err == ringbuf.ErrClosed {
				return
			}
			log.Printf("[sniffer] ring read error: %v", err)
			continue
		}
		p, ok := decodeRawPacket(record.RawSample)
		if !ok {
			continue
		}
		s.assembler.Ingest(p)
	}
}

func (s *Sniffer) sweep() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.assembler.FlushExpired()
		}
	}
}

// Stop halts the sweep loop and, if attached, closes the ring buffer.
func (s *Sniffer) Stop() {
	close(s.stop)
	if s.ring != nil {
		s.ring.Close()
	}
}

// decodeRawPacket parses the fixed-layout header a socket filter program
// emits ahead of its payload snapshot: 8-byte timestamp, two 4-byte IPs,
// two 2-byte ports, a 1-byte protocol number, and a 4-byte payload length,
// mirroring the C struct layout of the kernel-side socket event.
func decodeRawPacket(raw []byte) (rawPacket, bool) {
	const headerLen = 21
	if len(raw) < headerLen {
		return rawPacket{}, false
	}
	p := rawPacket{
		Timestamp:  binary.LittleEndian.Uint64(raw[0:8]),
		SrcIP:      binary.LittleEndian.Uint32(raw[8:12]),
		DstIP:      binary.LittleEndian.Uint32(raw[12:16]),
		SrcPort:    binary.LittleEndian.Uint16(raw[16:18]),
		DstPort:    binary.LittleEndian.Uint16(raw[18:20]),
		Protocol:   raw[20],
		PayloadLen: 0,
	}
	if len(raw) > headerLen {
		rest := raw[headerLen:]
		p.PayloadLen = uint32(len(rest))
		p.Payload = rest
	}
	return p, true
}
