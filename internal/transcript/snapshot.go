package transcript

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionNode is one on-disk session transcript, the unit of the local
// fallback snapshot.
type SessionNode struct {
	AgentID   string    `json:"agentId"`
	SessionID string    `json:"sessionId"`
	Path      string    `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
	SizeBytes int64     `json:"-"`
}

func sessionPath(agentsDir, agentID, sessionID string) string {
	return filepath.Join(agentsDir, agentID, "sessions", sessionID+".jsonl")
}

// Snapshot walks agentsDir and returns every session transcript, newest
// first. Unreadable directories are skipped; a missing root yields an
// empty snapshot.
func Snapshot(agentsDir string) []SessionNode {
	agents, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil
	}

	var nodes []SessionNode
	for _, agent := range agents {
		if !agent.IsDir() || !SafeSegment(agent.Name()) {
			continue
		}
		sessionsDir := filepath.Join(agentsDir, agent.Name(), "sessions")
		sessions, err := os.ReadDir(sessionsDir)
		if err != nil {
			continue
		}
		for _, session := range sessions {
			name := session.Name()
			if session.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			info, err := session.Info()
			if err != nil {
				continue
			}
			nodes = append(nodes, SessionNode{
				AgentID:   agent.Name(),
				SessionID: strings.TrimSuffix(name, ".jsonl"),
				Path:      filepath.Join(sessionsDir, name),
				UpdatedAt: info.ModTime(),
				SizeBytes: info.Size(),
			})
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
	})
	return nodes
}
