package twm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/twm/pkg/logger"
)

// OversizeHandler offloads registers whose token count exceeds a
// configured fraction of the window to disk, replacing their content with
// a stub that discourages the model from re-reading the file through
// whatever tool produced the bloat.
type OversizeHandler struct {
	cfg     OversizedMessageHandlingConfig
	counter TokenCounter
}

// NewOversizeHandler constructs a handler bound to the given config and
// token counter.
func NewOversizeHandler(cfg OversizedMessageHandlingConfig, counter TokenCounter) *OversizeHandler {
	return &OversizeHandler{cfg: cfg, counter: counter}
}

// Apply walks every register and offloads any whose content exceeds
// thresholdPercent of maxWindowSize. The comparison is strictly greater
// than, not greater-or-equal: a register sitting exactly at the threshold
// is left inline. Offloaded registers get their content replaced in place
// and Offload set.
func (h *OversizeHandler) Apply(ctx context.Context, convID ConversationID, registers []Register, maxWindowSize int, modelFamily string) []Register {
	if !h.cfg.Enabled {
		return registers
	}

	threshold := float64(maxWindowSize) * h.cfg.ThresholdPercent
	out := make([]Register, len(registers))
	copy(out, registers)

	for i, r := range out {
		if r.Offload != nil {
			continue // already offloaded by a prior turn
		}
		tokens := h.counter.CountTokens(r.Content, modelFamily)
		if float64(tokens) <= threshold {
			continue
		}

		path, err := h.offload(convID, r.Position, r.Content)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("position", r.Position).Warn("oversize offload failed, keeping content inline")
			continue
		}

		stub := h.stubFor(r.Content, path)
		out[i].Content = stub
		out[i].Offload = &OffloadRef{Path: path, OriginalTokenCount: tokens}

		logger.G(ctx).WithFields(map[string]interface{}{
			"conversation_id": convID,
			"position":        r.Position,
			"tokens":          tokens,
			"path":            path,
		}).Info("offloaded oversize register to disk")
	}

	return out
}

// filenameSafeRe matches any character not safe to use unescaped in a
// single path segment; conversation ids are host-supplied and must not be
// able to traverse directories or collide with shell-special characters.
var filenameSafeRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func sanitizeForFilename(s string) string {
	return filenameSafeRe.ReplaceAllString(s, "_")
}

func (h *OversizeHandler) offload(convID ConversationID, position int, content string) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405.000000000")
	ts = strings.ReplaceAll(ts, ".", "")
	filename := fmt.Sprintf("large_message_%s_%d_%s.txt", sanitizeForFilename(string(convID)), position, ts)
	path := filepath.Join(h.cfg.TempDirectory, filename)

	if err := os.MkdirAll(h.cfg.TempDirectory, 0o755); err != nil {
		return "", errors.Wrap(err, "creating oversize temp directory")
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrap(err, "writing oversize offload file")
	}
	return path, nil
}

// stubFor truncates content to ~truncateToTokens tokens at the nearest
// word boundary, appends "...", then appends the instruction stub. The
// wording of the stub matters: it must actively discourage the model from
// re-reading the file through the tool that originally produced the bloat.
func (h *OversizeHandler) stubFor(content, path string) string {
	head := truncateAtWordBoundary(content, h.cfg.TruncateToTokens)
	instruction := h.cfg.InstructionTemplate
	if strings.Contains(instruction, "%s") {
		instruction = fmt.Sprintf(instruction, path)
	} else {
		instruction = instruction + " " + path
	}
	return head + "...\n\n" + instruction
}

// truncateAtWordBoundary returns roughly the first approxTokens tokens of
// content (approximated as whitespace-separated words), cut at a word
// boundary rather than mid-word.
func truncateAtWordBoundary(content string, approxTokens int) string {
	fields := strings.Fields(content)
	if len(fields) <= approxTokens {
		return content
	}
	return strings.Join(fields[:approxTokens], " ")
}
