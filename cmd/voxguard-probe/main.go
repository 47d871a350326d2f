// voxguard-probe dials a running gateway, streams a WAV file as caller audio
// and prints every envelope exchanged on the connection. It is the tool for
// eyeballing the transport during development: acks, retries, compression and
// pipeline notifications all show up in order, colorized by type.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/voxguard/voxguard/pkg/protocol"
)

// ANSI colors
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	cyan    = "\033[36m"
	white   = "\033[37m"
	bgGray  = "\033[48;5;236m"
)

var typeColors = map[protocol.MessageType]string{
	protocol.TypeAudioChunk:         green,
	protocol.TypeAudioResponse:      cyan,
	protocol.TypeTranscript:         blue,
	protocol.TypeAIResponse:         magenta,
	protocol.TypeHeartbeat:          dim,
	protocol.TypeConnectionStatus:   yellow,
	protocol.TypeProcessingStatus:   yellow,
	protocol.TypeMetrics:            blue,
	protocol.TypeError:              red,
	protocol.TypeWebRTCOffer:        green,
	protocol.TypeWebRTCAnswer:       cyan,
	protocol.TypeWebRTCICECandidate: dim,
	protocol.TypeSessionRecovery:    yellow,
	protocol.TypeAck:                dim,
}

type probe struct {
	conn    *websocket.Conn
	codec   *protocol.Codec
	source  string
	callID  string
	writeMu sync.Mutex

	mu          sync.Mutex
	chunksSent  int
	acksSent    int
	transcripts int
	responses   int
	audioBytes  int
	errors      int
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	token := flag.String("token", "", "admission token (overrides -secret)")
	secret := flag.String("secret", "", "shared secret to mint an admission token with")
	issuer := flag.String("issuer", "voxguard", "issuer claim for minted tokens")
	user := flag.String("user", "probe-user", "subject claim for minted tokens")
	device := flag.String("device", "probe-device-1", "device fingerprint presented at admission")
	call := flag.String("call", "", "call id (default: assigned by the gateway)")
	wavPath := flag.String("wav", "", "WAV file streamed as caller audio (16-bit PCM)")
	chunkMs := flag.Int("chunk-ms", 200, "audio chunk duration in milliseconds")
	linger := flag.Duration("linger", 10*time.Second, "time to keep listening after the file ends")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	fmt.Printf("%s%s╔══════════════════════════════════════╗%s\n", bold, blue, reset)
	fmt.Printf("%s%s║       VoxGuard Envelope Probe        ║%s\n", bold, blue, reset)
	fmt.Printf("%s%s╚══════════════════════════════════════╝%s\n", bold, blue, reset)

	adm := *token
	if adm == "" {
		if *secret == "" {
			log.Fatalf("%s✗ require -token or -secret%s", red, reset)
		}
		minted, err := mintToken(*secret, *issuer, *user, *device)
		if err != nil {
			log.Fatalf("%s✗ mint token: %v%s", red, err, reset)
		}
		adm = minted
		fmt.Printf("%sMinted admission token for %s%s\n", dim, *user, reset)
	}

	callID := *call
	if callID == "" {
		callID = fmt.Sprintf("call_probe_%d", time.Now().Unix())
	}

	dialURL := *url
	if strings.Contains(dialURL, "?") {
		dialURL += "&call=" + callID
	} else {
		dialURL += "?call=" + callID
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+adm)
	headers.Set("X-Device-Fingerprint", *device)

	fmt.Printf("%sConnecting to: %s%s%s (call %s)\n", dim, reset, *url, reset, callID)

	conn, err := dialWithRetry(dialURL, headers, interrupt)
	if err != nil {
		fmt.Printf("\n%s%s─── interrupted ───%s\n", dim, yellow, reset)
		return
	}
	fmt.Printf("%s%s✓ Connected%s\n\n", bold, green, reset)

	p := &probe{
		conn:   conn,
		codec:  protocol.NewCodec(),
		source: "voxguard-probe",
		callID: callID,
	}

	done := make(chan struct{})
	go p.readLoop(done)
	go p.heartbeatLoop(done)

	streamDone := make(chan error, 1)
	if *wavPath != "" {
		go func() { streamDone <- p.streamWAV(*wavPath, *chunkMs, done) }()
	}

	lingerTimer := time.NewTimer(time.Hour)
	lingerTimer.Stop()
	defer lingerTimer.Stop()

	for {
		select {
		case err := <-streamDone:
			if err != nil {
				fmt.Printf("%s✗ stream: %v%s\n", red, err, reset)
				p.shutdown()
				return
			}
			fmt.Printf("\n%s%s─── audio sent, listening %v for trailing replies ───%s\n\n", dim, yellow, *linger, reset)
			lingerTimer.Reset(*linger)
		case <-lingerTimer.C:
			p.shutdown()
			return
		case <-done:
			fmt.Printf("\n%s%s─── connection closed by gateway ───%s\n", dim, yellow, reset)
			p.summary()
			return
		case <-interrupt:
			fmt.Printf("\n%s%s─── interrupted ───%s\n", dim, yellow, reset)
			p.shutdown()
			return
		}
	}
}

// mintToken signs a short-lived admission token the way the account service
// would. Development convenience only; production peers arrive with real ones.
func mintToken(secret, issuer, user, device string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       user,
		"iss":       issuer,
		"device_id": device,
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func dialWithRetry(url string, headers http.Header, interrupt <-chan os.Signal) (*websocket.Conn, error) {
	delays := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	for attempt := 0; ; attempt++ {
		conn, resp, err := dialer.Dial(url, headers)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			fmt.Printf("%s✗ dial failed: %v (status %d)%s\n", red, err, resp.StatusCode, reset)
			// Admission rejections repeat forever; retrying is noise.
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
				os.Exit(1)
			}
		} else {
			fmt.Printf("%s✗ dial failed: %v%s\n", red, err, reset)
		}
		if attempt >= len(delays) {
			os.Exit(1)
		}
		fmt.Printf("%s  retrying in %v...%s\n", dim, delays[attempt], reset)
		select {
		case <-time.After(delays[attempt]):
		case <-interrupt:
			return nil, fmt.Errorf("interrupted")
		}
	}
}

// readLoop decodes and prints every inbound envelope, acknowledging the ones
// that ask for it. Closing done ends the other loops.
func (p *probe) readLoop(done chan struct{}) {
	defer close(done)
	num := 0
	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Printf("\n%s✗ read: %v%s\n", red, err, reset)
			}
			return
		}
		num++
		env, payload, err := p.codec.Decode(frame)
		if err != nil {
			fmt.Printf("%s%s#%d%s %s%s%s %s[undecodable]%s %v (%d bytes)\n",
				dim, bgGray, num, reset, dim, time.Now().Format("15:04:05.000"), reset, red, reset, err, len(frame))
			continue
		}
		p.record(env, payload)
		printEnvelope(num, env, payload, len(frame))

		if env.AckRequired && env.Type != protocol.TypeAck {
			p.sendAck(env)
		}
	}
}

// heartbeatLoop keeps the transport session warm, mirroring what a real peer
// does between utterances.
func (p *probe) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			raw, err := protocol.MarshalPayload(&protocol.HeartbeatPayload{SentAt: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			env := protocol.NewEnvelope(protocol.TypeHeartbeat, raw, p.source)
			if err := p.write(env); err != nil {
				return
			}
			fmt.Printf("%s→ heartbeat%s\n", dim, reset)
		}
	}
}

// streamWAV sends the file's PCM as sequenced audio chunks at real-time pace.
func (p *probe) streamWAV(path string, chunkMs int, done <-chan struct{}) error {
	rate, channels, pcm, err := readWAV(path)
	if err != nil {
		return err
	}
	chunkBytes := rate * channels * 2 * chunkMs / 1000
	if chunkBytes <= 0 {
		return fmt.Errorf("chunk duration %dms too small", chunkMs)
	}
	total := (len(pcm) + chunkBytes - 1) / chunkBytes
	fmt.Printf("%sStreaming %s: %d Hz, %d ch, %.1fs in %d chunks of %dms%s\n\n",
		dim, path, rate, channels, float64(len(pcm))/float64(rate*channels*2), total, chunkMs, reset)

	ticker := time.NewTicker(time.Duration(chunkMs) * time.Millisecond)
	defer ticker.Stop()

	seq := int64(0)
	for offset := 0; offset < len(pcm); offset += chunkBytes {
		select {
		case <-done:
			return fmt.Errorf("connection lost mid-stream")
		case <-ticker.C:
		}
		end := offset + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		seq++
		raw, err := protocol.MarshalPayload(&protocol.AudioChunkPayload{
			ID:             fmt.Sprintf("chk_probe_%d", seq),
			CallID:         p.callID,
			SequenceNumber: seq,
			Timestamp:      time.Now().UnixMilli(),
			SampleRate:     rate,
			Channels:       channels,
			Encoding:       protocol.EncodingPCM,
			AudioData:      pcm[offset:end],
		})
		if err != nil {
			return fmt.Errorf("marshal chunk %d: %w", seq, err)
		}
		env := protocol.NewEnvelope(protocol.TypeAudioChunk, raw, p.source)
		env.SequenceNumber = seq
		if err := p.write(env); err != nil {
			return fmt.Errorf("send chunk %d: %w", seq, err)
		}
		p.mu.Lock()
		p.chunksSent++
		p.mu.Unlock()
		fmt.Printf("%s→ audio_chunk %d/%d (%d bytes)%s\n", dim, seq, total, end-offset, reset)
	}
	return nil
}

func (p *probe) sendAck(env *protocol.Envelope) {
	raw, err := protocol.MarshalPayload(&protocol.AckPayload{
		AckedID:   env.ID,
		Status:    protocol.AckStatusReceived,
		LatencyMs: time.Now().UnixMilli() - env.Timestamp,
	})
	if err != nil {
		return
	}
	ack := protocol.NewEnvelope(protocol.TypeAck, raw, p.source)
	if err := p.write(ack); err != nil {
		return
	}
	p.mu.Lock()
	p.acksSent++
	p.mu.Unlock()
	fmt.Printf("%s→ ack %s%s\n", dim, shortID(env.ID), reset)
}

func (p *probe) write(env *protocol.Envelope) error {
	data, err := p.codec.Encode(env)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *probe) record(env *protocol.Envelope, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch body := payload.(type) {
	case *protocol.TranscriptPayload:
		p.transcripts++
	case *protocol.AIResponsePayload:
		p.responses++
	case *protocol.AudioResponsePayload:
		p.audioBytes += len(body.AudioData)
	case *protocol.ErrorPayload:
		p.errors++
	}
}

func (p *probe) shutdown() {
	p.writeMu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	p.writeMu.Unlock()
	p.conn.Close()
	p.summary()
}

func (p *probe) summary() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("\n%s%s─── summary ───%s\n", bold, blue, reset)
	fmt.Printf("  chunks sent:       %d\n", p.chunksSent)
	fmt.Printf("  acks sent:         %d\n", p.acksSent)
	fmt.Printf("  transcripts:       %d\n", p.transcripts)
	fmt.Printf("  ai responses:      %d\n", p.responses)
	fmt.Printf("  audio received:    %d bytes\n", p.audioBytes)
	fmt.Printf("  errors:            %d\n", p.errors)
}

func printEnvelope(num int, env *protocol.Envelope, payload interface{}, size int) {
	color := typeColors[env.Type]
	if color == "" {
		color = white
	}
	fmt.Printf("%s%s#%d%s %s%s%s %s%s%s%s %s[%s]%s",
		dim, bgGray, num, reset,
		dim, time.Now().Format("15:04:05.000"), reset,
		bold, color, env.Type, reset,
		dim, shortID(env.ID), reset)
	if env.AckRequired {
		fmt.Printf(" %s⚑ack%s", yellow, reset)
	}
	if env.Retry > 0 {
		fmt.Printf(" %sretry=%d%s", red, env.Retry, reset)
	}
	fmt.Println()

	printBody(payload)
	fmt.Printf("  %s(%d bytes)%s\n\n", dim, size, reset)
}

func printBody(payload interface{}) {
	switch body := payload.(type) {
	case *protocol.TranscriptPayload:
		marker := "…"
		if body.Final {
			marker = "■"
		}
		fmt.Printf("  %s▶%s %s %s%s conf=%.2f%s\n", blue, reset, truncate(body.Text, 100), dim, marker, body.Confidence, reset)
	case *protocol.AIResponsePayload:
		fmt.Printf("  %s◀%s %s %s[%s]%s", magenta, reset, truncate(body.Text, 100), dim, body.Strategy, reset)
		if body.ShouldTerminate {
			fmt.Printf(" %s■ terminate%s", red, reset)
		}
		fmt.Println()
	case *protocol.AudioResponsePayload:
		fmt.Printf("  %s♪%s %d bytes %s @%dHz (%dms) for %s\n",
			cyan, reset, len(body.AudioData), body.Encoding, body.SampleRate, body.DurationMs, shortID(body.ChunkID))
	case *protocol.ProcessingStatusPayload:
		fmt.Printf("  %s⚙%s  %s", yellow, reset, body.Stage)
		if body.ChunkID != "" {
			fmt.Printf(" %s%s%s", dim, shortID(body.ChunkID), reset)
		}
		if body.Detail != "" {
			fmt.Printf(" %s(%s)%s", dim, body.Detail, reset)
		}
		fmt.Println()
	case *protocol.ErrorPayload:
		fmt.Printf("  %s%s: %s%s", red, body.Kind, body.Message, reset)
		if body.Retryable {
			fmt.Printf(" %sretryable", dim)
			if body.RetryAfterMs > 0 {
				fmt.Printf(" in %dms", body.RetryAfterMs)
			}
			fmt.Print(reset)
		}
		fmt.Println()
	case *protocol.HeartbeatPayload:
		if body.ServerTime > 0 {
			fmt.Printf("  %srtt=%dms%s\n", dim, time.Now().UnixMilli()-body.SentAt, reset)
		}
	case *protocol.AckPayload:
		fmt.Printf("  %s✓ %s %s (%dms)%s\n", dim, shortID(body.AckedID), body.Status, body.LatencyMs, reset)
	case *protocol.ConnectionStatusPayload:
		fmt.Printf("  %s⇄%s %s", yellow, reset, body.State)
		if body.Code > 0 {
			fmt.Printf(" %scode=%d%s", dim, body.Code, reset)
		}
		if body.Reason != "" {
			fmt.Printf(" %s%s%s", dim, body.Reason, reset)
		}
		fmt.Println()
	case *protocol.MetricsPayload:
		fmt.Printf("  %s%s:%s", dim, body.Scope, reset)
		for k, v := range body.Values {
			fmt.Printf(" %s=%.2f", k, v)
		}
		fmt.Println()
	case *protocol.SessionRecoveryPayload:
		if body.Recovered {
			fmt.Printf("  %s✓ recovered%s call %s at seq %d\n", green, reset, body.CallID, body.LastSequence)
		} else {
			fmt.Printf("  %s✗ not recovered%s %s\n", red, reset, body.Reason)
		}
	case *protocol.WebRTCOfferPayload:
		fmt.Printf("  %ssdp offer, %d chars%s\n", dim, len(body.SDP), reset)
	case *protocol.WebRTCAnswerPayload:
		fmt.Printf("  %ssdp answer, %d chars%s\n", dim, len(body.SDP), reset)
	case *protocol.WebRTCICECandidatePayload:
		fmt.Printf("  %s%s%s\n", dim, truncate(body.Candidate, 80), reset)
	}
}

// readWAV loads a RIFF/WAVE file and returns its 16-bit PCM body.
func readWAV(path string) (rate, channels int, pcm []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, 0, nil, fmt.Errorf("%s: not a WAVE file", path)
	}

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return 0, 0, nil, fmt.Errorf("%s: fmt chunk truncated", path)
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return 0, 0, nil, fmt.Errorf("%s: audio format %d, want PCM", path, format)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return 0, 0, nil, fmt.Errorf("%s: %d-bit samples, want 16", path, bits)
			}
		case "data":
			pcm = body
		}
		// Chunks are word-aligned.
		off += 8 + size + size%2
	}

	if rate == 0 || channels == 0 {
		return 0, 0, nil, fmt.Errorf("%s: no fmt chunk", path)
	}
	if len(pcm) == 0 {
		return 0, 0, nil, fmt.Errorf("%s: no data chunk", path)
	}
	return rate, channels, pcm, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", "↵")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
