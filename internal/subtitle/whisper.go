package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultWhisperBinary is the whisper.cpp command line program.
const DefaultWhisperBinary = "whisper-cli"

// WhisperCLI runs the whisper.cpp command line program.
type WhisperCLI struct {
	// Binary is the program to run; DefaultWhisperBinary when empty
	Binary string

	// Model is the path of the ggml model file
	Model string

	// Prompt is passed as the initial prompt
	Prompt string

	Logger *slog.Logger

	// run executes the command; replaced in tests
	run func(ctx context.Context, name string, args ...string) error
}

// NewWhisperCLI returns a backend for the given model.
func NewWhisperCLI(model, prompt string, logger *slog.Logger) (*WhisperCLI, error) {
	if _, err := os.Stat(model); err != nil {
		return nil, fmt.Errorf("whisper model: %w", err)
	}

	return &WhisperCLI{
		Binary: DefaultWhisperBinary,
		Model:  model,
		Prompt: prompt,
		Logger: logger,
	}, nil
}

// whisperOutput is the subset of whisper.cpp's -oj output we read.
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Generate implements Generator.
func (w *WhisperCLI) Generate(ctx context.Context, audioPath string, progress ProgressReporter) (string, error) {
	info, err := os.Stat(audioPath)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyAudio, audioPath)
	}

	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if progress == nil {
		progress = ProgressFunc(func(string) {})
	}
	logger.Info("generating subtitle", "audio", audioPath)
	start := time.Now()

	progress.Update("processing audio")

	workDir, err := os.MkdirTemp("", "whisper-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)
	outBase := filepath.Join(workDir, "out")

	binary := w.Binary
	if binary == "" {
		binary = DefaultWhisperBinary
	}
	args := []string{
		"-m", w.Model,
		"-f", audioPath,
		"-l", "auto",
		"-np",
		"-oj",
		"-of", outBase,
	}
	if w.Prompt != "" {
		args = append(args, "--prompt", w.Prompt)
	}

	progress.Update("generating subtitle")
	run := w.run
	if run == nil {
		run = runCommand
	}
	if err := run(ctx, binary, args...); err != nil {
		logger.Error("whisper failed", "error", err)
		return "", fmt.Errorf("run %s: %w", binary, err)
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode whisper output: %w", err)
	}

	cues := make([]Cue, 0, len(out.Transcription))
	for _, t := range out.Transcription {
		cues = append(cues, Cue{
			Start: time.Duration(t.Offsets.From) * time.Millisecond,
			End:   time.Duration(t.Offsets.To) * time.Millisecond,
			Text:  t.Text,
		})
	}
	srt := RenderSRT(cues)

	logger.Info("subtitle generated",
		"audio", audioPath,
		"cues", len(cues),
		"elapsed", time.Since(start),
	)
	return srt, nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
