package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/gemini"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/pcm"
	"github.com/room4-2/voicelive/relay"
	"github.com/room4-2/voicelive/session"
)

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Wait()
	}
}

func main() {
	// Flags
	audioFile := flag.String("file", "examples/user.pcm", "16 kHz mono audio to send (PCM or WAV)")
	relayURL := flag.String("relay", "", "Relay endpoint; dials Gemini directly when empty")
	text := flag.String("text", "", "Optional text turn sent after the audio")
	play := flag.Bool("play", true, "Play replies through sox")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for the reply")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := dial(ctx, *relayURL)
	if err != nil {
		log.Fatalf("Failed to open channel: %v", err)
	}
	defer ch.Close()
	log.Println("Channel open")

	var player *AudioPlayer
	if *play {
		if player = NewAudioPlayer(); player == nil {
			log.Println("Audio playback disabled (is sox installed?)")
		}
	}
	defer player.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch.Events() {
			switch e := ev.(type) {
			case live.InputTranscriptDelta:
				log.Printf("you: %s", e.Text)
			case live.OutputTranscriptDelta:
				log.Printf("model: %s", e.Text)
			case live.TextDelta:
				log.Printf("model text: %s", e.Text)
			case live.AudioDelta:
				data, err := pcm.DecodeTransport(e.Data)
				if err != nil {
					log.Printf("Bad audio delta: %v", err)
					continue
				}
				log.Printf("Received audio: %d bytes", len(data))
				player.Play(data)
			case live.TurnComplete:
				log.Println("--- Turn complete ---")
			case live.ChannelError:
				log.Printf("Channel error: %s", e.Message)
			case live.ChannelClosed:
				log.Println("Channel closed")
			}
		}
	}()

	audio, err := loadAudioFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}
	if err := stream(ctx, ch, audio); err != nil {
		log.Printf("Streaming stopped: %v", err)
	}

	if ender, ok := ch.(interface{ EndAudioStream() error }); ok {
		if err := ender.EndAudioStream(); err != nil {
			log.Printf("Failed to end audio stream: %v", err)
		}
	}

	if *text != "" {
		if g, ok := ch.(*gemini.Channel); ok {
			if err := g.SendText(*text); err != nil {
				log.Printf("Failed to send text: %v", err)
			}
		} else {
			log.Println("Text turns need a direct Gemini channel, skipping")
		}
	}

	log.Println("Audio sent, waiting for response...")
	select {
	case <-done:
	case <-interrupt:
		log.Println("Interrupted, closing...")
	case <-time.After(*wait):
		log.Println("Timeout waiting for response")
	}
}

func dial(ctx context.Context, relayURL string) (live.Channel, error) {
	cfg := live.DefaultConfig()
	cfg.SystemPrompt = session.DefaultSystemPrompt

	if relayURL != "" {
		return relay.NewDialer(relayURL).Open(ctx, cfg)
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Fatal("GEMINI_API_KEY not set")
	}
	d, err := gemini.NewDialer(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return d.Connect(ctx, cfg)
}

// stream sends audio in capture-sized frames at real-time pace
func stream(ctx context.Context, ch live.Channel, audio []byte) error {
	frameBytes := capture.DefaultBlockSize * pcm.BytesPerSample
	frameTime := pcm.Duration(capture.DefaultBlockSize, pcm.InputSampleRate)
	mimeType := pcm.MIMEType(pcm.InputSampleRate)

	total := (len(audio) + frameBytes - 1) / frameBytes
	for i := 0; i < len(audio); i += frameBytes {
		end := min(i+frameBytes, len(audio))
		chunk := live.EncodedChunk{Data: audio[i:end], MIMEType: mimeType}
		if err := ch.Send(ctx, chunk); err != nil {
			return err
		}
		log.Printf("Sent frame %d/%d (%d bytes)", i/frameBytes+1, total, len(chunk.Data))
		time.Sleep(frameTime)
	}
	return nil
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		// Skip WAV header (44 bytes for standard WAV)
		log.Println("Detected WAV file, skipping header")
		return data[44:], nil
	}

	// Assume raw PCM
	log.Println("Detected raw PCM file")
	return data, nil
}
