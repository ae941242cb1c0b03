package codec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"transmute/internal/services"
)

var commandContext = exec.CommandContext

// EngineCLI wraps a category's external engine binary. The engine contract
// is a convert subcommand that writes JSON progress lines to stdout and
// exits nonzero on failure.
type EngineCLI struct {
	name   string
	binary string
}

// EngineOption configures the CLI engine.
type EngineOption func(*EngineCLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) EngineOption {
	return func(e *EngineCLI) {
		if binary != "" {
			e.binary = binary
		}
	}
}

// NewEngineCLI constructs an engine client for the named category binary.
func NewEngineCLI(name, defaultBinary string, opts ...EngineOption) *EngineCLI {
	engine := &EngineCLI{name: name, binary: defaultBinary}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Name returns the engine name used in strategies and logs.
func (e *EngineCLI) Name() string { return e.name }

// Convert launches the engine and returns output metadata. Partial output
// cleanup on failure is the caller's responsibility; Convert only reports.
func (e *EngineCLI) Convert(ctx context.Context, inputPaths []string, outputPath, format string, options Options, progress func(ProgressUpdate)) (Result, error) {
	if len(inputPaths) == 0 {
		return Result{}, errors.New("at least one input path required")
	}
	for _, inputPath := range inputPaths {
		if inputPath == "" {
			return Result{}, errors.New("input path required")
		}
	}
	if outputPath == "" {
		return Result{}, errors.New("output path required")
	}
	if format == "" {
		return Result{}, errors.New("target format required")
	}

	args := []string{"convert"}
	for _, inputPath := range inputPaths {
		args = append(args, "--input", inputPath)
	}
	args = append(args, "--output", outputPath, "--format", format, "--progress-json")
	args = append(args, options.Flatten()...)

	cmd := commandContext(ctx, e.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return Result{}, services.Wrap(services.ErrCodecFailure, e.name, "start engine", e.binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	var lastLine string
	for scanner.Scan() {
		line := scanner.Bytes()
		lastLine = string(line)
		var payload struct {
			Percent float64 `json:"percent"`
			Stage   string  `json:"stage"`
			Message string  `json:"message"`
		}
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		if progress != nil {
			progress(ProgressUpdate{Percent: payload.Percent, Stage: payload.Stage, Message: payload.Message})
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return Result{}, fmt.Errorf("read engine output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		diagnostic := lastLine
		if diagnostic == "" {
			diagnostic = "engine produced no diagnostic output"
		}
		return Result{}, services.Wrap(services.ErrCodecFailure, e.name, "convert", diagnostic, err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, services.Wrap(services.ErrCodecFailure, e.name, "convert",
			"engine exited cleanly but produced no output", err)
	}
	return Result{OutputPath: outputPath, SizeBytes: info.Size()}, nil
}

var _ Codec = (*EngineCLI)(nil)
