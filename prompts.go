package famulus

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are a capable personal assistant running on the user's own machine.
You have tools for files, scheduling, and sub-agent delegation. Use them when they help; answer directly when they do not.
Be concrete and concise. Never invent file contents or tool results.`

const planningInjection = `Before acting, write a short plan under a "## Plan" heading: the goal, the steps, and what done looks like. Then start executing it.`

const reflectionInjection = `Pause and reflect: compare what you have done so far against the plan. Note in one or two sentences what is working, what is not, and what to adjust. Then continue.`

const forceRespondDirective = `Stop using tools now. Summarize what you have accomplished and what remains, and give the user your best answer with the information you already have.`

const forceProgressPrompt = `The last tool results were identical to the previous ones. You are not making progress. Change your approach: different tool, different arguments, or conclude with what you know.`

const toolOnlyNudge = `You have made several tool calls in a row without telling the user anything. Write a brief status update or your final answer.`

const totalLimitPrompt = `You have reached the overall tool budget for this task. Synthesize your findings and respond to the user now.`

// recoveryPrompt is injected when the same call keeps repeating.
func recoveryPrompt(toolName, resultPreview string) string {
	return fmt.Sprintf(`You have called %s with the same arguments %d times in a row. The result does not change:

%s

Take a different action: use another tool, change the arguments meaningfully, or answer the user with what you already have.`,
		toolName, loopSoftThreshold, resultPreview)
}

// antiLoopInstruction is appended by the history-based detector.
const antiLoopInstruction = `Note: your recent tool calls are identical. Do not repeat the same call again; choose a different approach or respond to the user.`

// synthesisPrompt is injected when one tool hits its per-job cap.
func synthesisPrompt(toolName string, count int) string {
	return fmt.Sprintf("You have used %s %d times, which is its budget for this task. Stop calling it and synthesize what you learned.", toolName, count)
}

// researchFilePointer tells the agent where accumulated findings live.
func researchFilePointer(path string) string {
	return fmt.Sprintf("Your web research findings so far are being collected in %s. Read it before searching again to avoid repeating queries.", path)
}

// BuildSystemPrompt assembles the system message: base prompt, current date,
// optional user instructions, then the instructions of every active skill.
func BuildSystemPrompt(now time.Time, userInstructions string, activeSkills []Skill) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nCurrent date: " + now.Format("Monday, 2 January 2006") + "\n")
	if userInstructions != "" {
		b.WriteString("\nUser instructions:\n" + userInstructions + "\n")
	}
	for _, sk := range activeSkills {
		if sk.Instructions == "" {
			continue
		}
		b.WriteString("\n## Skill: " + sk.Name + "\n" + sk.Instructions + "\n")
	}
	return b.String()
}

const delegatePrompt = `You are a focused sub-agent completing one delegated task.
Work step by step with the tools available, then report a single consolidated result. Do not ask the user questions.`

const explorePrompt = `You are a read-only exploration agent. Investigate using the available read-only tools and report what you find.
You cannot modify anything. Summarize findings as a single structured answer.`

const suggestionsPrompt = `Given this conversation, propose 3 short follow-up questions the user might ask next. Reply with strict JSON: {"suggestions":["...","...","..."]}`
