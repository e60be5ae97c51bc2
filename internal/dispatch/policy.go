// Package dispatch launches agent runtimes for tasks: execution-policy
// derivation, spawn-guard consultation, prompt construction, detached
// process launch, and parent status rollups.
package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/useorgx/orgx-local/internal/graph"
)

// defaultDomain is used when nothing about the task suggests a domain.
const defaultDomain = "engineering"

// agentIDPattern validates caller-supplied agent ids before they reach a
// command line.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidAgentID reports whether id is safe to pass to the agent runtime.
func ValidAgentID(id string) bool {
	return id != "" && agentIDPattern.MatchString(id)
}

// domainPatterns map title keywords to execution domains. Order matters:
// the first match wins.
var domainPatterns = []struct {
	domain  string
	pattern *regexp.Regexp
}{
	{"marketing", regexp.MustCompile(`(?i)\b(marketing|campaign|seo|content|brand|launch post|newsletter)\b`)},
	{"design", regexp.MustCompile(`(?i)\b(design|figma|mockup|wireframe|ux|ui|visual)\b`)},
	{"sales", regexp.MustCompile(`(?i)\b(sales|outreach|crm|pipeline|lead|prospect)\b`)},
	{"operations", regexp.MustCompile(`(?i)\b(operations|ops|billing|invoice|payroll|compliance|legal)\b`)},
	{"product", regexp.MustCompile(`(?i)\b(product|roadmap|spec|requirements|prd|user stor(y|ies))\b`)},
	{"orchestration", regexp.MustCompile(`(?i)\b(orchestrat|coordinat|delegat|handoff|triage)\b`)},
	{"engineering", regexp.MustCompile(`(?i)\b(engineer|implement|refactor|bug|api|backend|frontend|deploy|test|code)\b`)},
}

// Policy is the derived execution policy for one dispatch.
type Policy struct {
	Domain         string   `json:"domain"`
	RequiredSkills []string `json:"requiredSkills"`
}

// ResolvePolicy derives the execution domain for a task: the task's first
// assigned-agent domain wins, then the workstream's, then a keyword match
// over the task, workstream, and initiative titles.
func ResolvePolicy(g *graph.Graph, task *graph.Node) Policy {
	domain := firstAssigneeDomain(task)
	var workstream *graph.Node
	if g != nil && task != nil && task.WorkstreamID != "" {
		workstream = g.NodeByID(task.WorkstreamID)
	}
	if domain == "" {
		domain = firstAssigneeDomain(workstream)
	}
	if domain == "" {
		titles := titleText(task) + " " + titleText(workstream) + " " + titleText(initiativeNode(g))
		domain = matchDomain(titles)
	}
	if domain == "" {
		domain = defaultDomain
	}
	return Policy{
		Domain:         domain,
		RequiredSkills: []string{fmt.Sprintf("orgx-%s-agent", domain)},
	}
}

func firstAssigneeDomain(n *graph.Node) string {
	if n == nil {
		return ""
	}
	for _, a := range n.AssignedAgents {
		if a.Domain != "" {
			return a.Domain
		}
	}
	return ""
}

func matchDomain(text string) string {
	for _, dp := range domainPatterns {
		if dp.pattern.MatchString(text) {
			return dp.domain
		}
	}
	return ""
}

func titleText(n *graph.Node) string {
	if n == nil {
		return ""
	}
	return n.Title
}

func initiativeNode(g *graph.Graph) *graph.Node {
	if g == nil {
		return nil
	}
	return g.Initiative
}

// NormalizeProvider maps a caller-supplied provider name to its canonical
// form; unknown providers normalize to empty.
func NormalizeProvider(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude", "anthropic":
		return "anthropic"
	case "openrouter", "open-router":
		return "openrouter"
	case "openai":
		return "openai"
	default:
		return ""
	}
}

// IsBYOKModel reports whether the model string implies bring-your-own-key
// billing.
func IsBYOKModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "openrouter") ||
		strings.Contains(lower, "anthropic") ||
		strings.Contains(lower, "openai")
}

// BuildPrompt prefixes the base message with the execution-policy header.
func BuildPrompt(policy Policy, modelTier, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution policy: %s\n", policy.Domain)
	fmt.Fprintf(&b, "Required skills: %s\n", strings.Join(policy.RequiredSkills, ", "))
	if modelTier != "" {
		fmt.Fprintf(&b, "Spawn guard model tier: %s\n", modelTier)
	}
	b.WriteString("\n")
	b.WriteString(message)
	return b.String()
}
