package famulus

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

const (
	// loopSoftThreshold triggers a recovery prompt injection.
	loopSoftThreshold = 3
	// loopMaxRecoveries hard-stops the job.
	loopMaxRecoveries = 3
	// loopAbsoluteCap is the safety net on cumulative same-tool invocations.
	loopAbsoluteCap = 10
	// sameResultThreshold triggers a force-progress prompt.
	sameResultThreshold = 2

	// toolOnlyNudgeEvery injects a respond-to-the-user nudge.
	toolOnlyNudgeEvery = 5
	// toolOnlyHardStop ends the job.
	toolOnlyHardStop = 15

	totalToolCap = 60
)

// perToolCaps bounds each tool's usage within a single job. Unlisted tools
// share only the total cap.
var perToolCaps = map[string]int{
	"web_search":    10,
	"web_fetch":     15,
	"read_file":     30,
	"shell":         25,
	"edit_file":     30,
	"delegate_task": 5,
}

// LoopState is the per-job, in-memory record that the loop detector and
// tool-limit subsystems update after every tool execution.
type LoopState struct {
	lastToolSignature     string
	consecutiveSameTool   int
	cumulativeSameTool    int
	lastResultsHash       string
	consecutiveSameResult int
	recoveryAttempts      int
	toolCounts            map[string]int
	toolCache             map[string]string
	consecutiveToolOnly   int
	researchFileCreated   bool
}

func NewLoopState() *LoopState {
	return &LoopState{
		toolCounts: make(map[string]int),
		toolCache:  make(map[string]string),
	}
}

// ToolSignature identifies a call by name plus serialized arguments.
func ToolSignature(tc ToolCall) string {
	return tc.Name + "(" + string(tc.Args) + ")"
}

// CacheKey is the duplicate-call cache key: tool name plus a short args hash.
func CacheKey(tc ToolCall) string {
	sum := md5.Sum(tc.Args)
	return tc.Name + ":" + hex.EncodeToString(sum[:])[:8]
}

// LoopVerdict is what ObserveTools tells the agent loop to do next.
type LoopVerdict struct {
	// InjectRecovery asks for a recovery prompt carrying ResultPreview.
	InjectRecovery bool
	// InjectForceProgress asks for the same-result force-progress prompt.
	InjectForceProgress bool
	// HardStop ends the job with status error and Reason as the message.
	HardStop bool
	Reason   string
	// ResultPreview is a truncated preview of the repeated result.
	ResultPreview string
}

// ObserveTools updates counters after a batch of tool calls executed and
// returns the verdict. firstSig is the signature of the batch's first call;
// resultsHash covers all serialized results in the batch.
func (s *LoopState) ObserveTools(firstSig, resultsHash, resultPreview string) LoopVerdict {
	var v LoopVerdict

	if firstSig == s.lastToolSignature {
		s.consecutiveSameTool++
		s.cumulativeSameTool++
	} else {
		s.lastToolSignature = firstSig
		s.consecutiveSameTool = 1
		s.cumulativeSameTool = 1
	}

	if s.cumulativeSameTool >= loopAbsoluteCap {
		v.HardStop = true
		v.Reason = fmt.Sprintf("tool call repeated %d times with identical arguments", s.cumulativeSameTool)
		return v
	}
	if s.consecutiveSameTool >= loopSoftThreshold {
		s.recoveryAttempts++
		s.consecutiveSameTool = 0
		if s.recoveryAttempts >= loopMaxRecoveries {
			v.HardStop = true
			v.Reason = fmt.Sprintf("loop persisted through %d recovery attempts", s.recoveryAttempts)
			return v
		}
		v.InjectRecovery = true
		v.ResultPreview = resultPreview
	}

	if resultsHash == s.lastResultsHash {
		s.consecutiveSameResult++
	} else {
		s.lastResultsHash = resultsHash
		s.consecutiveSameResult = 1
	}
	if s.consecutiveSameResult >= sameResultThreshold {
		v.InjectForceProgress = true
		s.consecutiveSameResult = 0
	}
	return v
}

// CountTool increments the per-tool and total counters, reporting whether
// either cap was just hit. The loop continues either way; a hit only means
// a synthesis prompt should be injected.
func (s *LoopState) CountTool(name string) (toolCapHit, totalCapHit bool) {
	s.toolCounts[name]++
	s.toolCounts["_total"]++
	if limit, ok := perToolCaps[name]; ok && s.toolCounts[name] == limit {
		toolCapHit = true
	}
	if s.toolCounts["_total"] == totalToolCap {
		totalCapHit = true
	}
	return
}

// ToolCount returns how many times name has run this job.
func (s *LoopState) ToolCount(name string) int {
	return s.toolCounts[name]
}

// CheckDuplicate consults the duplicate-call cache. On a hit it returns the
// cached preview of the prior result.
func (s *LoopState) CheckDuplicate(tc ToolCall) (string, bool) {
	preview, ok := s.toolCache[CacheKey(tc)]
	return preview, ok
}

// RememberResult stores a preview of a call's result for duplicate detection.
func (s *LoopState) RememberResult(tc ToolCall, result string) {
	s.toolCache[CacheKey(tc)] = firstLine(result, 200)
}

// ObserveToolOnlyResponse counts assistant turns that carried tool calls but
// no user-visible text. Returns whether to nudge and whether to hard-stop.
func (s *LoopState) ObserveToolOnlyResponse(hasText bool) (nudge, hardStop bool) {
	if hasText {
		s.consecutiveToolOnly = 0
		return false, false
	}
	s.consecutiveToolOnly++
	if s.consecutiveToolOnly >= toolOnlyHardStop {
		return false, true
	}
	return s.consecutiveToolOnly%toolOnlyNudgeEvery == 0, false
}

// ResearchModeDue reports whether the research-artifact threshold was
// crossed for web tools.
func (s *LoopState) ResearchModeDue() bool {
	return s.toolCounts["web_search"]+s.toolCounts["web_fetch"] > 3
}

// MarkResearchFileCreated records that the pointer message was emitted; it
// fires only once per job.
func (s *LoopState) MarkResearchFileCreated() bool {
	if s.researchFileCreated {
		return false
	}
	s.researchFileCreated = true
	return true
}
