package link

import (
	"bytes"
	compressbzip2 "compress/bzip2"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"

	"github.com/wyre-mesh/reticulum-go/rnscrypto"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// Resource transfer sub-protocol, layered on an ACTIVE link's application
// data channel. Grounded on stream.Stream's window/flow-control shape
// (CircWindow/StreamWindow, SENDME-driven pacing) generalized from
// per-stream byte flow to per-resource part flow.
//
// Frames share the link's app-data channel, distinguished by a one-byte tag
// so a link can carry both small session messages and resource transfers.
const (
	tagPlain     byte = 0x00
	tagAdvertise byte = 0x01
	tagPart      byte = 0x02
	tagRequest   byte = 0x03
	tagProof     byte = 0x04
)

const (
	// SDUSize is the plaintext size of one resource part, chosen to leave
	// headroom under the link frame's Token overhead within the packet MDU.
	SDUSize = 350

	// MaxCompressibleSize is the largest original payload BZ2 compression
	// is attempted for.
	MaxCompressibleSize = 64 * 1024 * 1024

	minWindow = 2
	maxWindow = 75

	minRateBps = 2_000
	maxRateBps = 50_000

	maxPartRetries = 16
	maxAdvRetries  = 4
)

// Advertisement describes a resource transfer before any part is sent:
// the original (uncompressed) SHA-256, whether parts are BZ2-compressed,
// the original size, and each part's SHA-256.
type Advertisement struct {
	OriginalHash [32]byte
	Compressed   bool
	OriginalSize uint32
	PartHashes   [][32]byte
}

func (a Advertisement) Encode() []byte {
	out := make([]byte, 0, 32+1+4+2+len(a.PartHashes)*32)
	out = append(out, a.OriginalHash[:]...)
	if a.Compressed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(a.OriginalSize>>24), byte(a.OriginalSize>>16), byte(a.OriginalSize>>8), byte(a.OriginalSize))
	out = append(out, byte(len(a.PartHashes)>>8), byte(len(a.PartHashes)))
	for _, h := range a.PartHashes {
		out = append(out, h[:]...)
	}
	return out
}

func DecodeAdvertisement(data []byte) (Advertisement, error) {
	var a Advertisement
	if len(data) < 32+1+4+2 {
		return a, fmt.Errorf("link: resource advertisement too short: %w", rnserrors.ErrProtocol)
	}
	copy(a.OriginalHash[:], data[0:32])
	a.Compressed = data[32] != 0
	a.OriginalSize = uint32(data[33])<<24 | uint32(data[34])<<16 | uint32(data[35])<<8 | uint32(data[36])
	count := int(data[37])<<8 | int(data[38])
	off := 39
	if len(data) < off+count*32 {
		return a, fmt.Errorf("link: resource advertisement part hash list truncated: %w", rnserrors.ErrProtocol)
	}
	a.PartHashes = make([][32]byte, count)
	for i := 0; i < count; i++ {
		copy(a.PartHashes[i][:], data[off:off+32])
		off += 32
	}
	return a, nil
}

// buildParts fragments data into SDUSize chunks, compressing first via BZ2
// if that shrinks it and it is small enough to be worth compressing.
// Compression uses github.com/dsnet/compress/bzip2 since stdlib
// compress/bzip2 is decode-only.
func buildParts(data []byte) (Advertisement, [][]byte, error) {
	originalHash := rnscrypto.SHA256(data)
	payload := data
	compressed := false

	if len(data) <= MaxCompressibleSize {
		var buf bytes.Buffer
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err == nil {
			if _, err := w.Write(data); err == nil {
				if err := w.Close(); err == nil && buf.Len() < len(data) {
					payload = buf.Bytes()
					compressed = true
				}
			}
		}
	}

	var parts [][]byte
	for off := 0; off < len(payload); off += SDUSize {
		end := off + SDUSize
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, payload[off:end])
	}
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}

	hashes := make([][32]byte, len(parts))
	for i, p := range parts {
		hashes[i] = rnscrypto.SHA256(p)
	}

	return Advertisement{
		OriginalHash: originalHash,
		Compressed:   compressed,
		OriginalSize: uint32(len(data)),
		PartHashes:   hashes,
	}, parts, nil
}

// reassemble concatenates verified parts, decompresses if the advertisement
// says so, and checks the result against OriginalHash.
func reassemble(adv Advertisement, parts [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	payload := buf.Bytes()

	if adv.Compressed {
		r := compressbzip2.NewReader(bytes.NewReader(payload))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("link: resource decompress: %w: %v", rnserrors.ErrResource, err)
		}
		payload = out
	}

	if rnscrypto.SHA256(payload) != adv.OriginalHash {
		return nil, fmt.Errorf("link: resource completion hash mismatch: %w", rnserrors.ErrResource)
	}
	return payload, nil
}

// rateLimiter paces part sends between minRateBps and maxRateBps, slowing
// on timeouts and recovering gradually.
type rateLimiter struct {
	mu   sync.Mutex
	rate int // bits/sec
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{rate: maxRateBps}
}

func (r *rateLimiter) interval(partBytes int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	bits := partBytes * 8
	return time.Duration(float64(bits) / float64(r.rate) * float64(time.Second))
}

func (r *rateLimiter) onTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate /= 2
	if r.rate < minRateBps {
		r.rate = minRateBps
	}
}

func (r *rateLimiter) onSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate += r.rate / 10
	if r.rate > maxRateBps {
		r.rate = maxRateBps
	}
}

// Sender drives one outbound resource transfer over an ACTIVE link.
type Sender struct {
	link   *Link
	logger *slog.Logger
	adv    Advertisement
	parts  [][]byte
	rate   *rateLimiter

	mu        sync.Mutex
	requested map[int]int // part index -> retry count
	done      chan error
}

// NewSender builds a Sender for data without starting the transfer. Callers
// that need to route inbound part requests/proof frames to the Sender
// before the transfer begins (e.g. a multiplexing caller like session.Conn)
// construct it here, wire HandleFrame, then call Run.
func NewSender(l *Link, data []byte, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	adv, parts, err := buildParts(data)
	if err != nil {
		return nil, fmt.Errorf("link: resource send: %w", err)
	}
	return &Sender{link: l, logger: logger, adv: adv, parts: parts, rate: newRateLimiter(), requested: make(map[int]int), done: make(chan error, 1)}, nil
}

// Run sends the advertisement (retrying up to maxAdvRetries times) and
// blocks until the receiver's completion proof arrives, a part or the
// advertisement exhausts its retries, or the link closes.
func (s *Sender) Run() error {
	advFrame := append([]byte{tagAdvertise}, s.adv.Encode()...)
	advRetries := 0
	for {
		if err := s.link.Send(advFrame); err != nil {
			return fmt.Errorf("link: resource send: advertisement: %w", err)
		}
		advRetries++
		select {
		case err := <-s.done:
			return err
		case <-time.After(4*s.link.rtt + time.Second):
			s.mu.Lock()
			acked := len(s.requested) > 0
			s.mu.Unlock()
			if acked {
				select {
				case err := <-s.done:
					return err
				case <-s.link.closeCh:
					return fmt.Errorf("link: resource send: %w", rnserrors.ErrClosed)
				}
			}
			if advRetries >= maxAdvRetries {
				return fmt.Errorf("link: resource send: advertisement unacknowledged after %d tries: %w", advRetries, rnserrors.ErrResource)
			}
		}
	}
}

// Send starts transferring data over l and blocks until the receiver's
// completion proof arrives, a part or the advertisement exhausts its
// retries, or l closes.
func Send(l *Link, data []byte, logger *slog.Logger) error {
	s, err := NewSender(l, data, logger)
	if err != nil {
		return err
	}
	return s.Run()
}

// HandleFrame processes one resource-tagged frame arriving on the sender's
// side: part requests, and the final completion proof.
func (s *Sender) HandleFrame(tag byte, body []byte) {
	switch tag {
	case tagRequest:
		s.handleRequest(body)
	case tagProof:
		if len(body) == 32 && [32]byte(body) == s.adv.OriginalHash {
			select {
			case s.done <- nil:
			default:
			}
		} else {
			select {
			case s.done <- fmt.Errorf("link: resource send: completion proof mismatch: %w", rnserrors.ErrResource):
			default:
			}
		}
	}
}

func (s *Sender) handleRequest(body []byte) {
	for i := 0; i+1 < len(body); i += 2 {
		idx := int(body[i])<<8 | int(body[i+1])
		if idx < 0 || idx >= len(s.parts) {
			continue
		}
		s.sendPart(idx)
	}
}

func (s *Sender) sendPart(idx int) {
	s.mu.Lock()
	s.requested[idx]++
	retries := s.requested[idx]
	s.mu.Unlock()
	if retries > maxPartRetries {
		select {
		case s.done <- fmt.Errorf("link: resource send: part %d exhausted retries: %w", idx, rnserrors.ErrResource):
		default:
		}
		return
	}

	frame := make([]byte, 0, 3+len(s.parts[idx]))
	frame = append(frame, tagPart, byte(idx>>8), byte(idx))
	frame = append(frame, s.parts[idx]...)
	if err := s.link.Send(frame); err != nil {
		s.logger.Debug("link: resource part send failed", "part", idx, "error", err)
		return
	}
	time.Sleep(s.rate.interval(len(frame)))
}

// Receiver drives one inbound resource transfer. The caller wires
// HandleFrame as part of a link's onAppData dispatch (checking the leading
// tag byte before routing to any plain session-message path).
type Receiver struct {
	link   *Link
	logger *slog.Logger
	rate   *rateLimiter

	mu       sync.Mutex
	adv      *Advertisement
	parts    map[int][]byte
	window   int
	nextIdx  int
	retries  map[int]int
	done     bool
	complete chan completion
	stopCh   chan struct{}
}

type completion struct {
	payload []byte
	err     error
}

// NewReceiver returns a Receiver bound to l and starts its retry loop.
func NewReceiver(l *Link, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		link:     l,
		logger:   logger,
		rate:     newRateLimiter(),
		parts:    make(map[int][]byte),
		window:   minWindow,
		retries:  make(map[int]int),
		complete: make(chan completion, 1),
		stopCh:   make(chan struct{}),
	}
	go r.runRetryLoop()
	return r
}

// runRetryLoop calls retryMissing every 4xRTT+1s, mirroring
// Sender.Run's advertisement retry. Without it, a window whose only
// outstanding part was lost or corrupted never sees another inbound frame
// to reactively trigger a re-request, and Wait would block forever.
func (r *Receiver) runRetryLoop() {
	ticker := time.NewTicker(4*r.link.rtt + time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.retryMissing() {
				return
			}
		}
	}
}

// retryMissing re-requests every part still outstanding in the current
// window, bumping each one's retry count. It fails the transfer with
// rnserrors.ErrResource once any part has been retried past
// maxPartRetries, returning true to tell the caller to stop ticking.
func (r *Receiver) retryMissing() bool {
	r.mu.Lock()
	if r.adv == nil || r.done {
		r.mu.Unlock()
		return false
	}
	var missing []int
	for i := 0; i < len(r.adv.PartHashes) && len(missing) < r.window; i++ {
		if _, ok := r.parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	exhausted := -1
	for _, idx := range missing {
		r.retries[idx]++
		if r.retries[idx] > maxPartRetries {
			exhausted = idx
			break
		}
	}
	r.mu.Unlock()

	if exhausted >= 0 {
		r.finish(completion{err: fmt.Errorf("link: resource receive: part %d exhausted retries: %w", exhausted, rnserrors.ErrResource)})
		return true
	}
	if len(missing) == 0 {
		return false
	}

	body := make([]byte, 0, len(missing)*2)
	for _, idx := range missing {
		body = append(body, byte(idx>>8), byte(idx))
	}
	frame := append([]byte{tagRequest}, body...)
	if err := r.link.Send(frame); err != nil {
		r.logger.Debug("link: resource: retry request send failed", "error", err)
	}
	return false
}

// finish delivers c on complete exactly once and stops the retry loop.
func (r *Receiver) finish(c completion) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	close(r.stopCh)
	r.complete <- c
}

// Wait blocks until the transfer completes or fails.
func (r *Receiver) Wait() ([]byte, error) {
	c := <-r.complete
	return c.payload, c.err
}

// HandleFrame processes one resource-tagged frame arriving at the receiver.
func (r *Receiver) HandleFrame(tag byte, body []byte) {
	switch tag {
	case tagAdvertise:
		r.handleAdvertise(body)
	case tagPart:
		r.handlePart(body)
	}
}

func (r *Receiver) handleAdvertise(body []byte) {
	adv, err := DecodeAdvertisement(body)
	if err != nil {
		r.logger.Debug("link: resource: bad advertisement", "error", err)
		return
	}
	r.mu.Lock()
	if r.adv == nil {
		r.adv = &adv
	}
	r.mu.Unlock()
	r.requestNextWindow()
}

func (r *Receiver) handlePart(body []byte) {
	if len(body) < 2 {
		return
	}
	idx := int(body[0])<<8 | int(body[1])
	data := append([]byte(nil), body[2:]...)

	r.mu.Lock()
	if r.adv == nil || idx >= len(r.adv.PartHashes) {
		r.mu.Unlock()
		return
	}
	if rnscrypto.SHA256(data) != r.adv.PartHashes[idx] {
		r.mu.Unlock()
		r.logger.Debug("link: resource: part hash mismatch, dropping", "part", idx)
		return
	}
	r.parts[idx] = data
	adv := *r.adv
	complete := len(r.parts) == len(adv.PartHashes)
	r.mu.Unlock()

	if complete {
		ordered := make([][]byte, len(adv.PartHashes))
		r.mu.Lock()
		for i := range ordered {
			ordered[i] = r.parts[i]
		}
		r.mu.Unlock()

		payload, err := reassemble(adv, ordered)
		if err != nil {
			r.finish(completion{err: err})
			return
		}
		proof := append([]byte{tagProof}, adv.OriginalHash[:]...)
		_ = r.link.Send(proof)
		r.finish(completion{payload: payload})
		return
	}
	r.requestNextWindow()
}

func (r *Receiver) requestNextWindow() {
	r.mu.Lock()
	if r.adv == nil {
		r.mu.Unlock()
		return
	}
	var missing []int
	for i := 0; i < len(r.adv.PartHashes) && len(missing) < r.window; i++ {
		if _, ok := r.parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	r.mu.Unlock()
	if len(missing) == 0 {
		return
	}

	body := make([]byte, 0, len(missing)*2)
	for _, idx := range missing {
		body = append(body, byte(idx>>8), byte(idx))
	}
	frame := append([]byte{tagRequest}, body...)
	if err := r.link.Send(frame); err != nil {
		r.logger.Debug("link: resource: request send failed", "error", err)
	}
}
