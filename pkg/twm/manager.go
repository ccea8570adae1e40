package twm

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jingkaihe/twm/pkg/logger"
)

// Manager is the Orchestrator: it owns one ConversationState per
// conversation id and wires the Register Store, Command Parser, Validator,
// Window Reconstructor, Cache Accountant, Oversize Handler, and JIT Prompt
// Injector into the single process_request pipeline. Access to a given
// conversation is serialized under a per-conversation lock; independent
// conversations proceed concurrently.
type Manager struct {
	cfg       Config
	counter   TokenCounter
	prompts   *PromptCache
	oversize  *OversizeHandler
	cacheAcct *CacheAccountant
	jit       *JITInjector
	metrics   *Metrics
	registry  *prometheus.Registry

	mu     sync.Mutex
	locks  map[ConversationID]*sync.Mutex
	states map[ConversationID]*ConversationState
}

// NewManager constructs a Manager from the loaded configuration and a
// token counter. ctx is used only to seed the PromptCache's background
// fsnotify watcher. Each Manager gets its own Prometheus registry rather
// than sharing the global default one, so that constructing more than one
// in a process (as the test suite does) never trips a duplicate-metric
// registration panic.
func NewManager(ctx context.Context, cfg Config, counter TokenCounter) *Manager {
	registry := prometheus.NewRegistry()
	prompts := NewPromptCache(ctx)
	return &Manager{
		cfg:       cfg,
		counter:   counter,
		prompts:   prompts,
		oversize:  NewOversizeHandler(cfg.OversizedMessageHandling, counter),
		cacheAcct: NewCacheAccountant(counter),
		jit:       NewJITInjector(cfg.JITInstruction, cfg.UserMessageTruncation, prompts, counter),
		metrics:   NewMetrics(registry),
		registry:  registry,
		locks:     make(map[ConversationID]*sync.Mutex),
		states:    make(map[ConversationID]*ConversationState),
	}
}

// MetricsHandler returns an http.Handler serving this Manager's Prometheus
// metrics in the text exposition format, for mounting at /metrics.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ProcessResult is what process_request returns to the caller.
type ProcessResult struct {
	Messages           []OutboundMessage
	SystemPrompt       string
	SystemPromptBlocks []SystemPromptBlock
	CacheStats         CacheStats
	Percentage         int
	JITActive          bool
}

func (m *Manager) lockFor(id ConversationID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) stateFor(id ConversationID) *ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.states[id]
	if !ok {
		cs = &ConversationState{ID: id}
		m.states[id] = cs
	}
	return cs
}

// ProcessRequest runs the full per-turn pipeline: it appends the new turn
// to the register store, resolves any pending recache_message_array
// invocation, rebuilds the window, accounts cache reuse, offloads oversize
// registers, applies the JIT Prompt Injector, and finally renders the
// system prompt - substituting botID into a shared/multi-agent chat's
// #Role: line and splitting off a second cache-tagged block when the
// conversation has a System2Content set - before returning the outbound
// message list and system prompt for the given conversation. botID is
// optional; pass "" when the caller has no bot-role hint to supply.
func (m *Manager) ProcessRequest(ctx context.Context, id ConversationID, systemPrompt, modelFamily, botID string, messages []ClientMessage) (ProcessResult, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cs := m.stateFor(id)
	log := logger.G(ctx).WithField("conversation_id", id)

	// Step 1: splice the preserved user question back in if this turn is
	// the tool-result round trip following a JIT injection.
	messages = SwapMCPToolResult(ctx, cs, messages)

	// Step 2: append the new turn to the append-only store.
	store := NewRegisterStore(cs)
	store.AppendFromClient(messages)

	// Step 3: detect a recache_message_array invocation in the latest
	// assistant register, if any.
	latestAssistant, hasAssistant := latestRegisterOf(cs, RoleAssistant)

	var (
		cmd           *Command
		cmdErr        error
		retainedEnd   int
		useSelections bool
	)
	if hasAssistant {
		cmd, cmdErr = DetectCommand(latestAssistant.Content)
	}

	switch {
	case !hasAssistant || isWrapped(cmdErr, ErrParseFailed):
		// No invocation present: an ordinary turn. The window already
		// reflects the appended messages; nothing to reconstruct.

	case cmdErr != nil:
		// Malformed invocation: surface a synthetic tool-result error and
		// otherwise leave the window untouched.
		m.recordError(cs, syntheticErrorFor(cmdErr))
		m.spliceError(store, cs)

	default:
		if verr := ValidateCommand(cmd, cs, m.cfg.PlaceholderMessages.Template); verr != nil {
			m.recordError(cs, userMessageOf(verr))
			m.spliceError(store, cs)
		} else {
			useSelections = true
			retainedEnd = RetainedPrefixEnd(cmd)
			cs.ErrorStreak = 0
			cs.ErrorStack = nil
			cs.CurrentMCPError = ""
		}
	}

	// Step 4: on an ordinary turn the appended registers already form a
	// valid window; only a validated recache invocation warrants the full
	// Window Reconstructor pass.
	var cleanedTail string
	if hasAssistant {
		cleanedTail = Neuralyze(latestAssistant.Content)
		if useSelections {
			cleanedTail = Neuralyze(stripInvocation(latestAssistant.Content, cmd.RawInvocation))
		}
		store.SetContent(latestAssistant.Position, cleanedTail)
	}

	if useSelections {
		anchoringUser, usedPreserved := m.anchoringUser(cs, messages)
		selections := selectionsFromPositions(cs, cmd.Positions)

		fresh := Reconstruct(ctx, ReconstructInput{
			Selections:          selections,
			CleanedAssistant:    cleanedTail,
			AnchoringUser:       anchoringUser,
			UsedPreservedUser:   usedPreserved,
			PlaceholderTemplate: m.cfg.PlaceholderMessages.Template,
		})
		if HasConsecutivePlaceholders(fresh) {
			log.Warn("reconstructed window contains consecutive placeholders")
		}
		store.ReplaceAll(fresh)
		if usedPreserved {
			cs.PreservedUser = nil
		}
	}

	// Step 5: cache accounting against the freshly rebuilt sequence.
	newBreakpoint, stats := m.cacheAcct.Account(ctx, cs.CacheBreakpoint, cs.Registers, retainedEnd, modelFamily)
	cs.CacheBreakpoint = newBreakpoint
	cs.LastCacheStats = stats

	// Step 6: offload any oversize register to disk.
	before := cs.InWindowRegisters()
	offloaded := m.oversize.Apply(ctx, id, before, m.cfg.MaxWindowSize, modelFamily)
	cs.Registers = offloaded
	newlyOffloaded := countNewlyOffloaded(before, offloaded)

	// Step 7: clean any stale JIT block, then decide whether this turn
	// needs a fresh injection, a per-message truncation, or just the
	// window-usage marker rewrite.
	outbound := toOutbound(cs.InWindowRegisters())
	if cs.JITActive {
		outbound = m.jit.Clean(outbound, cs.JITInjectionIdx)
		cs.JITActive = false
		cs.JITInjectionIdx = 0
	}

	useExternal := anySourceIsAPI(messages)
	result, err := m.jit.Inject(ctx, outbound, systemPrompt, m.cfg.MaxWindowSize, modelFamily, useExternal, cs.CurrentMCPError)
	if err != nil {
		return ProcessResult{}, err
	}

	if result.Injected {
		cs.JITActive = true
		cs.JITInjectionIdx = result.InjectionIndex
		cs.PreservedUser = result.PreservedUser
	}

	// Step 12: a bot-role hint only rewrites the prompt on a deployment
	// that actually shares one window across multiple bots.
	outboundSystemPrompt := systemPrompt
	if botID != "" && m.cfg.SharedMultiAgentChat {
		outboundSystemPrompt = substituteBotRole(outboundSystemPrompt, botID)
	}

	// Step 13: a set System2Content splits the prompt into two cache-tagged
	// blocks instead of one.
	systemPromptBlocks := buildSystemPromptBlocks(outboundSystemPrompt, cs.System2Content)

	log.WithFields(map[string]interface{}{
		"percentage":  result.Percentage,
		"jit_active":  cs.JITActive,
		"cache_read":  stats.CacheReadInputTokens,
		"cache_write": stats.CacheCreationInputTokens,
	}).Info("processed turn")

	processResult := ProcessResult{
		Messages:           result.Messages,
		SystemPrompt:       outboundSystemPrompt,
		SystemPromptBlocks: systemPromptBlocks,
		CacheStats:         stats,
		Percentage:         result.Percentage,
		JITActive:          cs.JITActive,
	}
	m.metrics.Observe(processResult, newlyOffloaded)
	m.metrics.SetErrorStreak(cs.ErrorStreak)

	return processResult, nil
}

// SetSystem2Content sets or clears the secondary cacheable system prompt
// for a conversation; ProcessRequest emits it as a second cache-tagged
// block on every subsequent turn until cleared or Reset.
func (m *Manager) SetSystem2Content(id ConversationID, content string) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	cs := m.stateFor(id)
	cs.System2Content = content
}

// countNewlyOffloaded reports how many registers transitioned from inline
// to offloaded between before and after, for the oversize-offload counter.
func countNewlyOffloaded(before, after []Register) int {
	wasOffloaded := make(map[int]bool, len(before))
	for _, r := range before {
		if r.Offload != nil {
			wasOffloaded[r.Position] = true
		}
	}
	n := 0
	for _, r := range after {
		if r.Offload != nil && !wasOffloaded[r.Position] {
			n++
		}
	}
	return n
}

// recordError pushes a synthetic tool-result error onto the error stack
// and bumps the streak counter.
func (m *Manager) recordError(cs *ConversationState, message string) {
	cs.ErrorStreak++
	cs.CurrentMCPError = message
	cs.ErrorStack = append(cs.ErrorStack, PreservedUser{Content: message, Reason: "MCP_ERROR"})
}

// anchoringUser resolves the user text the rebuilt window ends on: a
// pending preserved_user takes precedence over the latest client user
// message.
func (m *Manager) anchoringUser(cs *ConversationState, messages []ClientMessage) (string, bool) {
	if cs.PreservedUser != nil {
		return cs.PreservedUser.Content, true
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return stripContextWindowUsage(messages[i].Content), false
		}
	}
	return "", false
}

func latestRegisterOf(cs *ConversationState, role Role) (Register, bool) {
	regs := cs.InWindowRegisters()
	for i := len(regs) - 1; i >= 0; i-- {
		if regs[i].Role == role {
			return regs[i], true
		}
	}
	return Register{}, false
}

func selectionsFromPositions(cs *ConversationState, positions []Position) []Selection {
	out := make([]Selection, 0, len(positions))
	for _, p := range positions {
		r, ok := cs.RegisterAt(p.Value)
		if !ok {
			continue
		}
		out = append(out, Selection{
			OriginPosition: r.Position,
			Role:           r.Role,
			Content:        r.Content,
			Placeholder:    r.Placeholder,
			Offload:        r.Offload,
		})
	}
	return out
}

// spliceError overwrites the latest in-window user register with the
// synthetic tool-result error text recorded by recordError, so the model's
// next turn reads it the way it would read a real failed tool call. No
// Reconstruct pass is needed since the window shape is unchanged.
func (m *Manager) spliceError(store *RegisterStore, cs *ConversationState) {
	regs := cs.InWindowRegisters()
	for i := len(regs) - 1; i >= 0; i-- {
		if regs[i].Role == RoleUser {
			store.SetContent(regs[i].Position, cs.CurrentMCPError)
			return
		}
	}
}

func toOutbound(registers []Register) []OutboundMessage {
	out := make([]OutboundMessage, len(registers))
	for i, r := range registers {
		out[i] = OutboundMessage{Role: r.Role, Content: r.Content}
	}
	return out
}

// anySourceIsAPI reports whether any message in the batch - not just the
// latest one - was sourced from the API rather than the interactive
// client, which selects the external-facing JIT prompt variant for the
// whole turn.
func anySourceIsAPI(messages []ClientMessage) bool {
	for _, m := range messages {
		if m.Source == "api" {
			return true
		}
	}
	return false
}

func stripInvocation(content, raw string) string {
	if raw == "" {
		return content
	}
	idx := strings.Index(content, raw)
	if idx < 0 {
		return content
	}
	return content[:idx] + content[idx+len(raw):]
}

func isWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func syntheticErrorFor(err error) string {
	switch {
	case isWrapped(err, ErrEmptyArguments):
		return emptyArgumentsUserMessage()
	case isWrapped(err, ErrNoValidPositions):
		return noValidPositionsUserMessage()
	default:
		return "[use_mcp_tool] Result: ERROR: could not parse recache_message_array invocation."
	}
}

// userMessageOf extracts the UserMessage() rendering of a validation error
// produced by ValidateCommand.
func userMessageOf(err error) string {
	type userMessager interface{ UserMessage() string }
	if um, ok := err.(userMessager); ok {
		return um.UserMessage()
	}
	return err.Error()
}

// GetCacheStats returns the most recently computed cache split for a
// conversation.
func (m *Manager) GetCacheStats(id ConversationID) CacheStats {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	cs := m.stateFor(id)
	return cs.LastCacheStats
}

// GetWindowState returns the diagnostic window-state snapshot.
func (m *Manager) GetWindowState(id ConversationID) WindowState {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	cs := m.stateFor(id)
	return WindowState{
		ConversationID:  cs.ID,
		Registers:       append([]Register(nil), cs.Registers...),
		PreservedUser:   cs.PreservedUser,
		CacheBreakpoint: cs.CacheBreakpoint,
		LastCacheStats:  cs.LastCacheStats,
		ErrorStreak:     cs.ErrorStreak,
		JITActive:       cs.JITActive,
		JITInjectionIdx: cs.JITInjectionIdx,
	}
}

// Reset drops all state for a conversation.
func (m *Manager) Reset(id ConversationID) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	cs := m.stateFor(id)
	NewRegisterStore(cs).Reset()
}

// Close releases the Manager's background resources (the prompt cache's
// fsnotify watcher).
func (m *Manager) Close() error {
	return m.prompts.Close()
}
