package export

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout names run directories and stamps summaries.
const TimestampLayout = "20060102_150405"

// SummaryFile is written next to the resource files.
const SummaryFile = "summary.json"

// Summary describes one export run.
type Summary struct {
	RunID           string         `json:"run_id"`
	Timestamp       string         `json:"timestamp"`
	OutputDir       string         `json:"output_dir"`
	Resources       []string       `json:"resources"`
	Counts          map[string]int `json:"counts"`
	DurationSeconds float64        `json:"duration_seconds"`
	ErrorCount      int            `json:"error_count"`
	Errors          []string       `json:"errors"`
}

func newSummary(outputDir string, resources []string, start time.Time) Summary {
	if resources == nil {
		resources = []string{}
	}
	return Summary{
		RunID:     uuid.NewString(),
		Timestamp: start.Format(TimestampLayout),
		OutputDir: outputDir,
		Resources: resources,
		Counts:    make(map[string]int, len(resources)),
		Errors:    []string{},
	}
}

func (s *Summary) addError(msg string) {
	s.Errors = append(s.Errors, msg)
	s.ErrorCount = len(s.Errors)
}

func (s *Summary) finish(d time.Duration) {
	s.DurationSeconds = math.Round(d.Seconds()*100) / 100
}

// Write stores the summary as {dir}/summary.json and returns its path.
func (s Summary) Write(dir string) (string, error) {
	data, err := MarshalASCII(s, "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}

	path := filepath.Join(dir, SummaryFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}
