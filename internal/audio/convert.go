package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
)

const (
	// BytesPerSample is the width of one s16le PCM sample.
	BytesPerSample = 2
	// PipelineSampleRate is the canonical rate all stages operate on.
	PipelineSampleRate = 16000
	// PipelineChannels is the canonical channel count.
	PipelineChannels = 1

	maxOpusPacketSize   = 4000
	opusFramesPerSecond = 50
	opusComplexity      = 10
)

// Converter encodes and decodes Opus for one call. It is not safe for
// concurrent use; each call owns its converter.
type Converter struct {
	encoder    *opus.Encoder
	decoder    *opus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewConverter creates an Opus converter at the given rate and channel count.
func NewConverter(sampleRate, channels, bitrateKbps int) (*Converter, error) {
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	encoder.SetBitrate(bitrateKbps * 1000)
	encoder.SetComplexity(opusComplexity)

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &Converter{
		encoder:    encoder,
		decoder:    decoder,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate / opusFramesPerSecond,
	}, nil
}

// SetBitrate retargets the encoder when the quality tier changes.
func (c *Converter) SetBitrate(bitrateKbps int) error {
	return c.encoder.SetBitrate(bitrateKbps * 1000)
}

// EncodePCM splits s16le PCM into 20 ms frames and encodes each to an Opus
// packet. The final frame is zero-padded to a full frame.
func (c *Converter) EncodePCM(pcm []byte) ([][]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}

	samples := make([]int16, len(pcm)/BytesPerSample)
	reader := bytes.NewReader(pcm)
	if err := binary.Read(reader, binary.LittleEndian, &samples); err != nil {
		return nil, fmt.Errorf("failed to read PCM samples: %w", err)
	}

	frameSamples := c.frameSize * c.channels
	var packets [][]byte

	for i := 0; i < len(samples); i += frameSamples {
		end := i + frameSamples
		frame := make([]int16, frameSamples)
		if end > len(samples) {
			end = len(samples)
		}
		copy(frame, samples[i:end])

		packet := make([]byte, maxOpusPacketSize)
		n, err := c.encoder.Encode(frame, packet)
		if err != nil {
			return nil, fmt.Errorf("failed to encode opus frame: %w", err)
		}
		out := make([]byte, n)
		copy(out, packet[:n])
		packets = append(packets, out)
	}

	return packets, nil
}

// EncodeFramedOpus encodes s16le PCM and concatenates the resulting Opus
// packets, each prefixed with its big-endian uint16 length, so the peer can
// split the stream without a container.
func (c *Converter) EncodeFramedOpus(pcm []byte) ([]byte, error) {
	packets, err := c.EncodePCM(pcm)
	if err != nil {
		return nil, err
	}
	size := 0
	for _, p := range packets {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	var hdr [2]byte
	for _, p := range packets {
		binary.BigEndian.PutUint16(hdr[:], uint16(len(p)))
		out = append(out, hdr[:]...)
		out = append(out, p...)
	}
	return out, nil
}

// DecodeOpus decodes a single Opus packet to s16le PCM bytes.
func (c *Converter) DecodeOpus(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("empty opus data")
	}

	// A packet carries at most 120 ms of audio.
	samples := make([]int16, c.sampleRate*c.channels*120/1000)
	n, err := c.decoder.Decode(packet, samples)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus frame: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, samples[:n*c.channels]); err != nil {
		return nil, fmt.Errorf("failed to write PCM samples: %w", err)
	}
	return buf.Bytes(), nil
}

// Normalize converts an inbound chunk into canonical pipeline PCM (s16le,
// 16 kHz, mono). aac and mp3 pass schema validation but are rejected here.
func (c *Converter) Normalize(chunk *models.AudioChunk) ([]byte, error) {
	if len(chunk.Payload) == 0 {
		return nil, domain.ErrEmptyChunk
	}

	switch chunk.Encoding {
	case models.EncodingPCM:
		return ResamplePCM(chunk.Payload, chunk.SampleRate, c.sampleRate, chunk.ChannelCount, c.channels)
	case models.EncodingOpus:
		// The decoder already emits audio at the pipeline rate.
		return c.DecodeOpus(chunk.Payload)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrEncodingUnsupported, chunk.Encoding)
	}
}

// ResamplePCM converts s16le PCM between rates and channel layouts using
// linear interpolation. Stereo input is downmixed before resampling.
func ResamplePCM(input []byte, inputRate, outputRate, inputChannels, outputChannels int) ([]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input data")
	}

	if inputRate == outputRate && inputChannels == outputChannels {
		return input, nil
	}

	inputSamplesPerChannel := len(input) / (BytesPerSample * inputChannels)

	totalInputSamples := len(input) / BytesPerSample
	inputInt16 := make([]int16, totalInputSamples)
	reader := bytes.NewReader(input)
	if err := binary.Read(reader, binary.LittleEndian, &inputInt16); err != nil {
		return nil, fmt.Errorf("failed to read input samples: %w", err)
	}

	var monoSamples []int16
	if inputChannels == 2 {
		monoSamples = make([]int16, inputSamplesPerChannel)
		for i := 0; i < inputSamplesPerChannel; i++ {
			left := int32(inputInt16[i*2])
			right := int32(inputInt16[i*2+1])
			monoSamples[i] = int16((left + right) / 2)
		}
	} else {
		monoSamples = inputInt16
	}

	var resampledMono []int16
	if inputRate != outputRate {
		ratio := float64(outputRate) / float64(inputRate)
		outputSamplesPerChannel := int(float64(len(monoSamples)) * ratio)
		resampledMono = make([]int16, outputSamplesPerChannel)

		for i := 0; i < outputSamplesPerChannel; i++ {
			srcPos := float64(i) / ratio
			srcIdx := int(srcPos)
			frac := srcPos - float64(srcIdx)

			if srcIdx >= len(monoSamples)-1 {
				resampledMono[i] = monoSamples[len(monoSamples)-1]
			} else {
				sample1 := int32(monoSamples[srcIdx])
				sample2 := int32(monoSamples[srcIdx+1])
				resampledMono[i] = int16(sample1 + int32(float64(sample2-sample1)*frac))
			}
		}
	} else {
		resampledMono = monoSamples
	}

	outputBytes := len(resampledMono) * outputChannels * BytesPerSample
	writer := bytes.NewBuffer(make([]byte, 0, outputBytes))

	for _, sample := range resampledMono {
		binary.Write(writer, binary.LittleEndian, sample)
		if outputChannels == 2 {
			binary.Write(writer, binary.LittleEndian, sample)
		}
	}

	return writer.Bytes(), nil
}

// PCMToWAV wraps raw s16le PCM in a WAV container for the recognizer.
func PCMToWAV(pcm []byte, sampleRate, channels int) []byte {
	buf := new(bytes.Buffer)

	// RIFF header
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	// fmt chunk
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*BytesPerSample))
	binary.Write(buf, binary.LittleEndian, uint16(channels*BytesPerSample))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	// data chunk
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// PCMDurationMs reports the playback duration of s16le PCM.
func PCMDurationMs(byteLen, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := byteLen / (BytesPerSample * channels)
	return samples * 1000 / sampleRate
}
