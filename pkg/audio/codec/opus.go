package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"layeh.com/gopus"

	"github.com/x85446/voicemode/pkg/audio"
)

// Opus packets carry no container of their own, so streams use the standard
// Ogg encapsulation (RFC 7845): an OpusHead identification page, an OpusTags
// page, then audio pages whose granule positions count 48 kHz samples. That
// is what OpenAI-shaped TTS endpoints return for response_format=opus and
// what Whisper servers expect for an opus upload, so recordings and provider
// streams interoperate with no translation.

const (
	// opusGranuleRate is the fixed granule clock of Ogg Opus streams.
	opusGranuleRate = 48000

	// opusMaxPacket bounds a single encoded packet; 20 ms of audio never
	// comes close at the bitrates gopus produces.
	opusMaxPacket = 4000

	// opusMaxFrameMs is the longest audio span a single opus packet may hold.
	opusMaxFrameMs = 120

	// oggSerial identifies the single logical stream the encoder writes.
	oggSerial = 0x564d4f50

	oggFlagContinued = 0x01
	oggFlagBOS       = 0x02
	oggFlagEOS       = 0x04

	oggMaxSegments = 255
)

// Ogg pages checksum with CRC-32, polynomial 0x04c11db7, no reflection.
var oggCRCTable = makeOggCRCTable()

func makeOggCRCTable() *[256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return &t
}

func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

// appendOggPage serialises one page holding the given packets, each of which
// must complete within the page.
func appendOggPage(out []byte, flags byte, granule uint64, seq uint32, packets [][]byte) []byte {
	var lacing []byte
	var total int
	for _, p := range packets {
		n := len(p)
		total += n
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
	}

	page := make([]byte, 0, 27+len(lacing)+total)
	page = append(page, "OggS"...)
	page = append(page, 0, flags)
	page = binary.LittleEndian.AppendUint64(page, granule)
	page = binary.LittleEndian.AppendUint32(page, oggSerial)
	page = binary.LittleEndian.AppendUint32(page, seq)
	page = append(page, 0, 0, 0, 0) // crc, patched below
	page = append(page, byte(len(lacing)))
	page = append(page, lacing...)
	for _, p := range packets {
		page = append(page, p...)
	}
	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))
	return append(out, page...)
}

// opusHead builds the identification packet: version 1, zero pre-skip, the
// original input rate, default mapping.
func opusHead(channels, rate int) []byte {
	h := make([]byte, 0, 19)
	h = append(h, "OpusHead"...)
	h = append(h, 1, byte(channels))
	h = binary.LittleEndian.AppendUint16(h, 0) // pre-skip
	h = binary.LittleEndian.AppendUint32(h, uint32(rate))
	h = binary.LittleEndian.AppendUint16(h, 0) // output gain
	h = append(h, 0)                           // mapping family: mono/stereo
	return h
}

func opusTags() []byte {
	const vendor = "voicemode"
	t := make([]byte, 0, 8+4+len(vendor)+4)
	t = append(t, "OpusTags"...)
	t = binary.LittleEndian.AppendUint32(t, uint32(len(vendor)))
	t = append(t, vendor...)
	t = binary.LittleEndian.AppendUint32(t, 0)
	return t
}

// encodeOpus converts the buffer to canonical form, encodes it as 20 ms opus
// packets, and wraps them in an Ogg stream. The final page's granule position
// excludes the zero padding added to fill the last packet, so encode→decode
// preserves duration exactly.
func encodeOpus(b audio.Buffer) ([]byte, error) {
	b = audio.ToCanonical(b)

	enc, err := gopus.NewEncoder(b.Rate, b.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}

	frameSamples := b.Rate * audio.FrameMs / 1000 // per channel
	pcm := audio.BytesToInt16s(b.Data)
	totalSamples := len(pcm) / b.Channels
	finalGranule := uint64(totalSamples) * opusGranuleRate / uint64(b.Rate)
	granulePerPacket := uint64(opusGranuleRate * audio.FrameMs / 1000)

	out := appendOggPage(nil, oggFlagBOS, 0, 0, [][]byte{opusHead(b.Channels, b.Rate)})
	out = appendOggPage(out, 0, 0, 1, [][]byte{opusTags()})

	seq := uint32(2)
	var page [][]byte
	var pageSegs int
	var granule uint64

	flush := func(flags byte, g uint64) {
		if len(page) == 0 {
			return
		}
		out = appendOggPage(out, flags, g, seq, page)
		seq++
		page, pageSegs = nil, 0
	}

	step := frameSamples * b.Channels
	for off := 0; off < len(pcm); off += step {
		frame := pcm[off:min(off+step, len(pcm))]
		if len(frame) < step {
			// Zero-pad the final partial frame; the EOS granule position lets
			// the decoder drop the padding.
			padded := make([]int16, step)
			copy(padded, frame)
			frame = padded
		}
		pkt, err := enc.Encode(frame, frameSamples, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		segs := len(pkt)/255 + 1
		if pageSegs+segs > oggMaxSegments {
			flush(0, granule)
		}
		page = append(page, pkt)
		pageSegs += segs
		granule += granulePerPacket
	}
	flush(oggFlagEOS, min(granule, finalGranule))
	return out, nil
}

// oggPacket is one reassembled packet. granule is the page granule position
// when the packet ends a page, -1 otherwise.
type oggPacket struct {
	data    []byte
	granule int64
	eos     bool
}

// opusDecoder incrementally decodes an Ogg Opus stream.
type opusDecoder struct {
	r        io.Reader
	dec      *gopus.Decoder
	rate     int
	channels int

	pending   []oggPacket
	partial   []byte
	preSkip48 int   // pre-skip from OpusHead, in 48 kHz units
	skipLeft  int   // pre-skip samples (at output rate) not yet dropped
	emitted   int64 // samples per channel emitted so far
	limit     int64 // total samples per channel per the EOS granule; -1 unknown
	eof       bool
}

func newOpusDecoder(r io.Reader) (*opusDecoder, error) {
	d := &opusDecoder{r: r, limit: -1}

	head, err := d.nextPacket()
	if err != nil {
		return nil, fmt.Errorf("codec: read ogg opus header: %w", err)
	}
	if len(head.data) < 19 || string(head.data[:8]) != "OpusHead" {
		return nil, errors.New("codec: not an ogg opus stream")
	}
	channels := int(head.data[9])
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("codec: opus stream has %d channels", channels)
	}
	d.preSkip48 = int(binary.LittleEndian.Uint16(head.data[10:12]))

	// Opus decoders can output at any of the fixed opus rates; prefer the
	// stream's original rate when it is one of them.
	rate := int(binary.LittleEndian.Uint32(head.data[12:16]))
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		rate = opusGranuleRate
	}

	tags, err := d.nextPacket()
	if err != nil {
		return nil, fmt.Errorf("codec: read ogg opus tags: %w", err)
	}
	if len(tags.data) < 8 || string(tags.data[:8]) != "OpusTags" {
		return nil, errors.New("codec: ogg opus stream missing tags packet")
	}

	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	d.dec = dec
	d.rate = rate
	d.channels = channels
	d.skipLeft = d.preSkip48 * rate / opusGranuleRate
	return d, nil
}

// Next decodes one packet, trimming the stream's pre-skip at the start and
// the final padding declared by the EOS granule position at the end.
func (d *opusDecoder) Next() (audio.Frame, error) {
	for {
		pkt, err := d.nextPacket()
		if err != nil {
			return audio.Frame{}, err
		}
		if pkt.eos && pkt.granule >= 0 {
			total48 := max(pkt.granule-int64(d.preSkip48), 0)
			d.limit = total48 * int64(d.rate) / opusGranuleRate
		}

		pcm, err := d.dec.Decode(pkt.data, d.rate*opusMaxFrameMs/1000, false)
		if err != nil {
			return audio.Frame{}, fmt.Errorf("codec: opus decode: %w", err)
		}

		if d.skipLeft > 0 {
			n := min(d.skipLeft, len(pcm)/d.channels)
			pcm = pcm[n*d.channels:]
			d.skipLeft -= n
		}
		samples := len(pcm) / d.channels
		if d.limit >= 0 && d.emitted+int64(samples) > d.limit {
			samples = int(max(d.limit-d.emitted, 0))
			pcm = pcm[:samples*d.channels]
		}
		d.emitted += int64(samples)
		if samples == 0 {
			continue
		}

		return audio.Frame{
			Data:     audio.Int16sToBytes(pcm),
			Rate:     d.rate,
			Channels: d.channels,
		}, nil
	}
}

func (d *opusDecoder) nextPacket() (oggPacket, error) {
	for len(d.pending) == 0 {
		if d.eof {
			return oggPacket{}, io.EOF
		}
		if err := d.readPage(); err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			return oggPacket{}, err
		}
	}
	p := d.pending[0]
	d.pending = d.pending[1:]
	return p, nil
}

// readPage reads one Ogg page and appends its completed packets to the
// pending queue. A packet whose last lacing value is 255 continues on the
// next page.
func (d *opusDecoder) readPage() error {
	var hdr [27]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("codec: read ogg page header: %w", err)
	}
	if string(hdr[0:4]) != "OggS" || hdr[4] != 0 {
		return errors.New("codec: not an ogg page")
	}
	flags := hdr[5]
	granule := binary.LittleEndian.Uint64(hdr[6:14])

	lacing := make([]byte, int(hdr[26]))
	if _, err := io.ReadFull(d.r, lacing); err != nil {
		return fmt.Errorf("codec: read ogg lacing values: %w", err)
	}
	var total int
	for _, l := range lacing {
		total += int(l)
	}
	payload := make([]byte, total)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return fmt.Errorf("codec: read ogg page payload: %w", err)
	}

	if flags&oggFlagContinued == 0 {
		d.partial = nil
	}
	before := len(d.pending)
	off := 0
	for _, l := range lacing {
		d.partial = append(d.partial, payload[off:off+int(l)]...)
		off += int(l)
		if l < 255 {
			d.pending = append(d.pending, oggPacket{data: d.partial, granule: -1})
			d.partial = nil
		}
	}
	if n := len(d.pending); n > before {
		d.pending[n-1].granule = int64(granule)
		d.pending[n-1].eos = flags&oggFlagEOS != 0
	}
	if flags&oggFlagEOS != 0 {
		d.eof = true
	}
	return nil
}
