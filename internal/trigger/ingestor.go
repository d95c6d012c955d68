package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hivemind-kernel/eventkernel/internal/kernel"
)

// DefaultStaleProcessingAge is the spec's documented stale-claim
// threshold (spec §4.8 step 3, §6).
const DefaultStaleProcessingAge = 60 * time.Second

// hmMessageIDHeader matches the optional fallback-dedupe header line
// (spec §6): "[HM-MESSAGE-ID:<id>]\n" at the very start of the body.
var hmMessageIDHeader = regexp.MustCompile(`^\[HM-MESSAGE-ID:([^\]]+)\]\r?\n`)

// Config controls one watched directory's ingestion policy.
type Config struct {
	Dir                string
	PollInterval       time.Duration // default 1s
	StaleProcessingAge time.Duration // default 60s
	FallbackTTL        time.Duration // default 5m
	FallbackCap        int           // default 2000
	WorkerRoles        []string      // roles gated by the workflow check; default {"workers"}
	AllowedStates      []string      // orchestrator states in which worker targeting is allowed
	CurrentState       func() string // nil means the gate never blocks
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleProcessingAge <= 0 {
		c.StaleProcessingAge = DefaultStaleProcessingAge
	}
	if len(c.WorkerRoles) == 0 {
		c.WorkerRoles = []string{RoleWorkers}
	}
	return c
}

// Ingestor watches Config.Dir for atomic message-file drops and turns
// each into a sequenced inject.requested emission per recipient (spec
// §4.8). Grounded on the teacher's ticker/select poll loop
// (internal/connwatch) for the directory scan, and on
// internal/ingest/markdown.go's open-then-parse-then-dispatch pipeline
// shape for per-file processing — generalized from markdown chunking to
// claim/decode/dedupe/dispatch.
type Ingestor struct {
	cfg      Config
	kernel   *kernel.Kernel
	clock    kernel.Clock
	logger   *slog.Logger
	fallback *fallbackBag
}

// New creates a trigger ingestor for one watched directory.
func New(cfg Config, k *kernel.Kernel, clock kernel.Clock, logger *slog.Logger) *Ingestor {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		cfg:      cfg,
		kernel:   k,
		clock:    clock,
		logger:   logger,
		fallback: newFallbackBag(cfg.FallbackTTL, cfg.FallbackCap, clock),
	}
}

// Watch polls Config.Dir until ctx is cancelled, processing every *.txt
// file it finds each tick.
func (ing *Ingestor) Watch(ctx context.Context) {
	ticker := time.NewTicker(ing.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.scan()
		}
	}
}

func (ing *Ingestor) scan() {
	entries, err := os.ReadDir(ing.cfg.Dir)
	if err != nil {
		ing.logger.Warn("trigger scan failed", "dir", ing.cfg.Dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		path := filepath.Join(ing.cfg.Dir, entry.Name())
		if err := ing.ProcessFile(path); err != nil {
			ing.logger.Warn("trigger ingest failed", "file", entry.Name(), "error", err)
		}
	}
}

// ProcessFile runs one trigger file through the full pipeline (spec
// §4.8). It always returns after unlinking the `.processing` claim, even
// on failure (step 9).
func (ing *Ingestor) ProcessFile(path string) error {
	name := filepath.Base(path)
	res, ok := resolveFilename(name)
	if !ok {
		return fmt.Errorf("trigger: %s: %w", name, kernel.ErrValidation)
	}

	if ing.workflowGated(res.Recipients) {
		ing.kernel.Emit(kernel.BuildParams{
			Type:        "inject.blocked",
			RecipientID: "system",
			Source:      "trigger",
			Payload: map[string]any{
				"file":   name,
				"reason": string(kernel.OutcomeWorkflowGate),
			},
		})
		return nil
	}

	processing, err := ing.claim(path)
	if err != nil {
		return err
	}
	defer os.Remove(processing)

	raw, err := os.ReadFile(processing)
	if err != nil {
		return fmt.Errorf("trigger: read %s: %w", name, kernel.ErrReadError)
	}
	body := decodeBody(raw)

	body, fallbackID := stripFallbackID(body)
	if fallbackID != "" && ing.fallback.seenRecently(fallbackID) {
		return nil // duplicate retry, silently dropped (spec §4.8 step 5)
	}

	sender := strings.TrimSuffix(name, ".txt")
	payload := body
	if parsed, ok := kernel.ParseSequenced(body); ok {
		sender = parsed.Role
		payload = parsed.Body

		if parsed.SessionReset {
			for _, r := range res.Recipients {
				ing.kernel.Tracker().ResetLastSeen(sender, r)
			}
		} else if parsed.N > 0 {
			filtered := res.Recipients[:0:0]
			for _, r := range res.Recipients {
				if ing.kernel.Tracker().CheckDuplicate(sender, parsed.N, r) {
					continue
				}
				filtered = append(filtered, r)
			}
			res.Recipients = filtered
		}
	}

	if res.Broadcast {
		filtered := res.Recipients[:0:0]
		for _, r := range res.Recipients {
			if r != sender {
				filtered = append(filtered, r)
			}
		}
		res.Recipients = filtered
	}

	for _, recipient := range res.Recipients {
		seq := ing.kernel.Tracker().NextSequence(sender)
		deliveryID := ing.kernel.Tracker().StartOne(sender, seq, recipient, "inject.requested", "enforced")
		ing.kernel.Emit(kernel.BuildParams{
			Type:        "inject.requested",
			RecipientID: recipient,
			Source:      "trigger",
			Payload: map[string]any{
				"body":       payload,
				"sender":     sender,
				"deliveryId": deliveryID,
			},
		})
	}
	return nil
}

// workflowGated implements spec §4.8 step 2: blocked only when at least
// one target is a worker recipient and the orchestrator's current state
// is outside the allow-list.
func (ing *Ingestor) workflowGated(recipients []string) bool {
	if ing.cfg.CurrentState == nil {
		return false
	}
	targetsWorker := false
	for _, r := range recipients {
		if ing.isWorkerRole(r) {
			targetsWorker = true
			break
		}
	}
	if !targetsWorker {
		return false
	}
	state := ing.cfg.CurrentState()
	for _, allowed := range ing.cfg.AllowedStates {
		if allowed == state {
			return false
		}
	}
	return true
}

func (ing *Ingestor) isWorkerRole(role string) bool {
	for _, r := range ing.cfg.WorkerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// claim implements spec §4.8 step 3. POSIX rename silently replaces an
// existing destination, so staleness must be checked before renaming,
// not inferred from a rename error.
func (ing *Ingestor) claim(path string) (string, error) {
	processing := path + ".processing"

	if info, err := os.Stat(processing); err == nil {
		if ing.clock().Sub(info.ModTime()) > ing.cfg.StaleProcessingAge {
			if err := os.Remove(processing); err != nil {
				return "", fmt.Errorf("trigger: unlink stale claim: %w", kernel.ErrRenameError)
			}
		} else {
			return "", fmt.Errorf("trigger: %s: %w", filepath.Base(path), kernel.ErrClaimConflict)
		}
	}

	if err := os.Rename(path, processing); err != nil {
		return "", fmt.Errorf("trigger: claim %s: %w", filepath.Base(path), kernel.ErrRenameError)
	}
	return processing, nil
}

// stripFallbackID implements spec §4.8 step 5: if the body starts with
// the HM-MESSAGE-ID header, strip it and return the enclosed id.
func stripFallbackID(body string) (rest string, id string) {
	m := hmMessageIDHeader.FindStringSubmatch(body)
	if m == nil {
		return body, ""
	}
	return body[len(m[0]):], m[1]
}
